package repository

import (
	"context"

	"relay-fleet/internal/domain/server"

	"gorm.io/gorm"
)

type PostgresScalingEventRepository struct {
	db *gorm.DB
}

func NewScalingEventRepository(db *gorm.DB) ScalingEventRepository {
	return &PostgresScalingEventRepository{db: db}
}

func (r *PostgresScalingEventRepository) Create(ctx context.Context, e *server.ScalingEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *PostgresScalingEventRepository) ListRecent(ctx context.Context, limit int) ([]server.ScalingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var items []server.ScalingEvent
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&items).Error
	return items, err
}
