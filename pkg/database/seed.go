package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	"relay-fleet/pkg/random"

	"gorm.io/gorm"
)

// SeedConfig holds configuration for seeding the database
type SeedConfig struct {
	EdgeHostname   string
	EdgeIP         string
	EdgeMaxClients int
	TestUserCount  int
}

// DefaultSeedConfig returns default seed configuration
func DefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		EdgeHostname:   "edge-manual.localhost",
		EdgeIP:         "127.0.0.1",
		EdgeMaxClients: 100,
		TestUserCount:  5,
	}
}

// SeedResult holds the result of the seeding operation
type SeedResult struct {
	Edge  *server.Server
	Users []*viewer.User
}

// SeedDevelopment creates one manually managed, immutable edge and a few
// viewers. The edge has no cloud instance, so deprovisioning it never touches
// the cloud provider.
func SeedDevelopment(ctx context.Context, db *gorm.DB, cfg *SeedConfig) (*SeedResult, error) {
	if cfg == nil {
		cfg = DefaultSeedConfig()
	}

	result := &SeedResult{}
	log.Println("Starting database seeding...")

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing server.Server
		err := tx.Where("hostname = ? AND status <> ?", cfg.EdgeHostname, server.StatusDeleted).First(&existing).Error
		switch {
		case err == nil:
			result.Edge = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			edge := &server.Server{
				Type:          server.TypeEdge,
				Hostname:      cfg.EdgeHostname,
				IP:            cfg.EdgeIP,
				InternalIP:    cfg.EdgeIP,
				Port:          443,
				SharedSecret:  random.String(32),
				MaxClients:    cfg.EdgeMaxClients,
				Status:        server.StatusActive,
				Step:          server.StepActivated,
				Immutable:     true,
				HealthStatus:  server.HealthUnknown,
				LastHeartbeat: sql.NullTime{Time: time.Now(), Valid: true},
			}
			if err := tx.Create(edge).Error; err != nil {
				return fmt.Errorf("failed to seed edge: %w", err)
			}
			result.Edge = edge
		default:
			return err
		}

		for i := 1; i <= cfg.TestUserCount; i++ {
			u := &viewer.User{Name: fmt.Sprintf("viewer-%d", i)}
			if err := tx.Create(u).Error; err != nil {
				return fmt.Errorf("failed to seed user: %w", err)
			}
			result.Users = append(result.Users, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Println("Database seeding completed successfully!")
	return result, nil
}
