package repository

import (
	"fmt"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"

	"gorm.io/gorm"
)

// Tables lists every table owned by the fleet store, used by status reporting.
var Tables = []string{"servers", "users", "viewer_sessions", "scaling_events"}

// InitSchema creates the fleet tables and the constraints gorm tags cannot express.
func InitSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&server.Server{},
		&server.ScalingEvent{},
		&viewer.User{},
		&viewer.Session{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	constraints := []string{
		// At most one origin may be live at a time.
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintSingleOrigin + `
			ON servers ((type))
			WHERE type = 'origin' AND status IN ('provisioning', 'active');`,
		`DO $$ BEGIN
			ALTER TABLE servers ADD CONSTRAINT servers_viewer_count_non_negative CHECK (viewer_count >= 0);
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$;`,
		`DO $$ BEGIN
			ALTER TABLE servers ADD CONSTRAINT servers_status_valid
				CHECK (status IN ('provisioning', 'active', 'deprovisioning', 'deleted', 'error'));
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$;`,
		`CREATE INDEX IF NOT EXISTS idx_users_queue
			ON users (provisioning_since, id)
			WHERE is_provisioning AND server_id IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_viewer_sessions_open
			ON viewer_sessions (server_id)
			WHERE ended_at IS NULL;`,
	}

	for _, stmt := range constraints {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to apply constraint: %w", err)
		}
	}
	return nil
}
