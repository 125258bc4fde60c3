package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"relay-fleet/config"
	"relay-fleet/internal/auth"
	"relay-fleet/internal/repository"
	"relay-fleet/pkg/database"

	"gorm.io/gorm"
)

const usage = `
Relay Fleet - Database CLI Tool

Usage:
  migrate [command] [flags]

Commands:
  up           Create or update the fleet schema
  status       Show database connection status and table sizes
  seed-dev     Seed one manually managed edge and a few viewers
  admin-token  Print a signed admin token for the API and dashboard

Flags:
  -edge-hostname string  Hostname of the seeded edge (default "edge-manual.localhost")
  -edge-ip string        Address of the seeded edge (default "127.0.0.1")
  -users int             Number of seeded viewers (default 5)
  -subject string        Subject of the admin token (default "ops")
  -ttl duration          Lifetime of the admin token (default 24h)

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go seed-dev -edge-hostname edge-1.stream.local
  go run cmd/migrate/main.go admin-token -ttl 1h
`

func main() {
	seed := database.DefaultSeedConfig()
	flag.StringVar(&seed.EdgeHostname, "edge-hostname", seed.EdgeHostname, "Hostname of the seeded edge")
	flag.StringVar(&seed.EdgeIP, "edge-ip", seed.EdgeIP, "Address of the seeded edge")
	flag.IntVar(&seed.TestUserCount, "users", seed.TestUserCount, "Number of seeded viewers")
	subject := flag.String("subject", "ops", "Subject of the admin token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of the admin token")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	cfg := config.LoadConfig()
	ctx := context.Background()

	if command == "admin-token" {
		printAdminToken(cfg, *subject, *ttl)
		return
	}

	db, err := database.Connect(cfg.Database, cfg.App.Mode)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer database.Close(db)

	switch command {
	case "up":
		log.Println("Running migrations...")
		if err := repository.InitSchema(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	case "status":
		showStatus(ctx, db)
	case "seed-dev":
		if err := repository.InitSchema(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		result, err := database.SeedDevelopment(ctx, db, seed)
		if err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
		log.Println("Seed summary:")
		log.Printf("   - Edge: #%d %s (shared secret %s)", result.Edge.ID, result.Edge.Hostname, result.Edge.SharedSecret)
		log.Printf("   - Viewers: %d", len(result.Users))
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func showStatus(ctx context.Context, db *gorm.DB) {
	if err := database.Ping(ctx, db); err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Database connection: OK")

	for _, table := range []string{"servers", "users", "viewer_sessions", "scaling_events"} {
		if !database.TableExists(db, table) {
			log.Printf("Table %-16s does not exist", table)
			continue
		}
		count, err := database.TableCount(ctx, db, table)
		if err != nil {
			log.Printf("Table %-16s count failed: %v", table, err)
			continue
		}
		log.Printf("Table %-16s %d rows", table, count)
	}
}

func printAdminToken(cfg *config.Config, subject string, ttl time.Duration) {
	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.AdminRole).Issue(subject, ttl)
	if err != nil {
		log.Fatalf("Signing token failed: %v", err)
	}
	fmt.Println(token)
}
