package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relay-fleet/internal/domain/server"
	relay_errors "relay-fleet/pkg/errors"

	"gorm.io/gorm"
)

type PostgresServerRepository struct {
	db *gorm.DB
}

func NewServerRepository(db *gorm.DB) ServerRepository {
	return &PostgresServerRepository{db: db}
}

func (r *PostgresServerRepository) Create(ctx context.Context, s *server.Server) error {
	res := r.db.WithContext(ctx).Create(s)
	if res.Error != nil {
		if constraint, ok := uniqueViolation(res.Error); ok {
			if constraint == constraintSingleOrigin {
				return relay_errors.ErrConflict
			}
			return relay_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresServerRepository) GetByID(ctx context.Context, id uint) (server.Server, error) {
	var s server.Server
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return server.Server{}, relay_errors.ErrNotFound
		}
		return server.Server{}, err
	}
	return s, nil
}

func (r *PostgresServerRepository) GetBySharedSecret(ctx context.Context, secret string) (server.Server, error) {
	if secret == "" {
		return server.Server{}, relay_errors.ErrNotFound
	}
	var s server.Server
	err := r.db.WithContext(ctx).
		Where("shared_secret = ? AND status <> ?", secret, server.StatusDeleted).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return server.Server{}, relay_errors.ErrNotFound
		}
		return server.Server{}, err
	}
	return s, nil
}

func (r *PostgresServerRepository) List(ctx context.Context, filter ServerFilter) ([]server.Server, error) {
	var servers []server.Server
	q := r.db.WithContext(ctx).Model(&server.Server{})
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", toStrings(filter.Types))
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", toStrings(filter.Statuses))
	}
	if err := q.Order("id ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func (r *PostgresServerRepository) SaveInstance(ctx context.Context, id uint, instanceID, hostname string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&server.Server{}).
		Where("id = ? AND status = ?", id, server.StatusProvisioning).
		Updates(map[string]interface{}{
			"instance_id": sql.NullString{String: instanceID, Valid: instanceID != ""},
			"hostname":    hostname,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *PostgresServerRepository) SaveAddresses(ctx context.Context, id uint, addr server.Addresses) error {
	return r.update(ctx, id, map[string]interface{}{
		"ip":          addr.IP,
		"internal_ip": addr.InternalIP,
		"port":        addr.Port,
		"max_clients": addr.MaxClients,
	})
}

func (r *PostgresServerRepository) SetStep(ctx context.Context, id uint, step server.Step) error {
	return r.update(ctx, id, map[string]interface{}{"step": step})
}

func (r *PostgresServerRepository) TransitionStatus(ctx context.Context, id uint, to server.Status) (bool, error) {
	from := server.Sources(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no status leads to %s: %w", to, relay_errors.ErrInvalidTransition)
	}
	res := r.db.WithContext(ctx).Model(&server.Server{}).
		Where("id = ? AND status IN ?", id, toStrings(from)).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		if constraint, ok := uniqueViolation(res.Error); ok && constraint == constraintSingleOrigin {
			return false, relay_errors.ErrConflict
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *PostgresServerRepository) MarkFailed(ctx context.Context, id uint, step server.Step, reason string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&server.Server{}).
		Where("id = ? AND status IN ?", id, toStrings(server.Sources(server.StatusError))).
		Updates(map[string]interface{}{
			"status":         server.StatusError,
			"step":           step,
			"failure_reason": reason,
			"failed_at":      sql.NullTime{Time: at, Valid: true},
		})
	return res.Error
}

func (r *PostgresServerRepository) RecordHealth(ctx context.Context, id uint, status server.HealthStatus, message string, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"health_status":        status,
		"health_check_message": message,
		"last_health_check_at": sql.NullTime{Time: at, Valid: true},
	})
}

func (r *PostgresServerRepository) RecordHeartbeat(ctx context.Context, id uint, viewerCount *int, at time.Time) error {
	fields := map[string]interface{}{
		"last_heartbeat": sql.NullTime{Time: at, Valid: true},
	}
	if viewerCount != nil {
		fields["viewer_count"] = max(*viewerCount, 0)
	}
	return r.update(ctx, id, fields)
}

func (r *PostgresServerRepository) SetViewerCounts(ctx context.Context, counts map[uint]int64, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uint, 0, len(counts))
		for id, count := range counts {
			ids = append(ids, id)
			err := tx.Model(&server.Server{}).Where("id = ?", id).
				Updates(map[string]interface{}{
					"viewer_count": count,
					"updated_at":   at,
				}).Error
			if err != nil {
				return err
			}
		}
		q := tx.Model(&server.Server{}).
			Where("type = ? AND status = ?", server.TypeEdge, server.StatusActive)
		if len(ids) > 0 {
			q = q.Where("id NOT IN ?", ids)
		}
		return q.Updates(map[string]interface{}{"viewer_count": 0, "updated_at": at}).Error
	})
}

func (r *PostgresServerRepository) update(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&server.Server{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}
