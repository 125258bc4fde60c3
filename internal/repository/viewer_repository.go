package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	relay_errors "relay-fleet/pkg/errors"

	"gorm.io/gorm"
)

type PostgresViewerRepository struct {
	db *gorm.DB
}

func NewViewerRepository(db *gorm.DB) ViewerRepository {
	return &PostgresViewerRepository{db: db}
}

type serverCount struct {
	ServerID uint
	N        int64
}

func (r *PostgresViewerRepository) GetUser(ctx context.Context, id uint) (viewer.User, error) {
	var u viewer.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return viewer.User{}, relay_errors.ErrNotFound
		}
		return viewer.User{}, err
	}
	return u, nil
}

func (r *PostgresViewerRepository) ListUsersByServer(ctx context.Context, serverID uint) ([]viewer.User, error) {
	var users []viewer.User
	err := r.db.WithContext(ctx).Where("server_id = ?", serverID).Order("id ASC").Find(&users).Error
	return users, err
}

func (r *PostgresViewerRepository) ListQueuedUsers(ctx context.Context) ([]viewer.User, error) {
	var users []viewer.User
	err := r.db.WithContext(ctx).
		Where("is_provisioning = ? AND server_id IS NULL", true).
		Order("provisioning_since ASC NULLS LAST, id ASC").
		Find(&users).Error
	return users, err
}

func (r *PostgresViewerRepository) ListUsersOnInactiveServers(ctx context.Context) ([]viewer.User, error) {
	var users []viewer.User
	err := r.db.WithContext(ctx).
		Select("users.*").
		Joins("LEFT JOIN servers ON servers.id = users.server_id").
		Where("users.server_id IS NOT NULL AND (servers.id IS NULL OR servers.status <> ?)", server.StatusActive).
		Order("users.id ASC").
		Find(&users).Error
	return users, err
}

func (r *PostgresViewerRepository) ListIdleAssignedUsers(ctx context.Context, since time.Time) ([]viewer.User, error) {
	var users []viewer.User
	err := r.db.WithContext(ctx).
		Where("server_id IS NOT NULL AND updated_at < ?", since).
		Where(`NOT EXISTS (
			SELECT 1 FROM viewer_sessions vs
			WHERE vs.user_id = users.id AND (vs.ended_at IS NULL OR vs.ended_at > ?)
		)`, since).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

func (r *PostgresViewerRepository) AssignServer(ctx context.Context, userID, serverID uint, streamkey string) error {
	return r.updateUser(ctx, userID, map[string]interface{}{
		"server_id":          serverID,
		"streamkey":          streamkey,
		"is_provisioning":    false,
		"provisioning_since": nil,
	})
}

func (r *PostgresViewerRepository) Enqueue(ctx context.Context, userID uint, at time.Time) (bool, error) {
	var newly bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u viewer.User
		if err := tx.Where("id = ?", userID).First(&u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return relay_errors.ErrNotFound
			}
			return err
		}
		newly = !u.IsProvisioning
		fields := map[string]interface{}{
			"server_id":       nil,
			"streamkey":       "",
			"is_provisioning": true,
		}
		if !u.ProvisioningSince.Valid {
			fields["provisioning_since"] = sql.NullTime{Time: at, Valid: true}
		}
		return tx.Model(&viewer.User{}).Where("id = ?", userID).Updates(fields).Error
	})
	return newly, err
}

func (r *PostgresViewerRepository) Unassign(ctx context.Context, userID uint) error {
	return r.updateUser(ctx, userID, map[string]interface{}{
		"server_id":          nil,
		"streamkey":          "",
		"is_provisioning":    false,
		"provisioning_since": nil,
	})
}

func (r *PostgresViewerRepository) ClearServer(ctx context.Context, serverID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&viewer.User{}).
		Where("server_id = ?", serverID).
		Updates(map[string]interface{}{"server_id": nil, "streamkey": ""})
	return res.RowsAffected, res.Error
}

func (r *PostgresViewerRepository) QueuePosition(ctx context.Context, userID uint) (int64, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !u.Queued() {
		return 0, nil
	}
	var ahead int64
	err = r.db.WithContext(ctx).Model(&viewer.User{}).
		Where("is_provisioning = ? AND server_id IS NULL AND id <> ?", true, u.ID).
		Where("provisioning_since < ? OR (provisioning_since = ? AND id < ?)",
			u.ProvisioningSince.Time, u.ProvisioningSince.Time, u.ID).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

func (r *PostgresViewerRepository) QueueLength(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&viewer.User{}).
		Where("is_provisioning = ? AND server_id IS NULL", true).
		Count(&n).Error
	return n, err
}

func (r *PostgresViewerRepository) AssignedCounts(ctx context.Context) (map[uint]int64, error) {
	var rows []serverCount
	err := r.db.WithContext(ctx).Model(&viewer.User{}).
		Select("server_id, COUNT(*) AS n").
		Where("server_id IS NOT NULL").
		Group("server_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toCountMap(rows), nil
}

func (r *PostgresViewerRepository) OpenSessionCounts(ctx context.Context) (map[uint]int64, error) {
	var rows []serverCount
	err := r.db.WithContext(ctx).Model(&viewer.Session{}).
		Select("server_id, COUNT(*) AS n").
		Where("ended_at IS NULL").
		Group("server_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toCountMap(rows), nil
}

func (r *PostgresViewerRepository) CountActiveViewers(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&viewer.User{}).
		Joins("JOIN viewer_sessions ON viewer_sessions.user_id = users.id AND viewer_sessions.ended_at IS NULL").
		Where("users.server_id IS NOT NULL").
		Distinct("users.id").
		Count(&n).Error
	return n, err
}

func (r *PostgresViewerRepository) OpenSession(ctx context.Context, s *viewer.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *PostgresViewerRepository) TouchSession(ctx context.Context, id, serverID uint, at time.Time) error {
	return r.updateOpenSession(ctx, id, serverID, "last_heartbeat_at", at)
}

func (r *PostgresViewerRepository) CloseSession(ctx context.Context, id, serverID uint, at time.Time) error {
	return r.updateOpenSession(ctx, id, serverID, "ended_at", at)
}

func (r *PostgresViewerRepository) CloseStaleSessions(ctx context.Context, heartbeatBefore, startedBefore, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&viewer.Session{}).
		Where("ended_at IS NULL").
		Where("(last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?) OR (last_heartbeat_at IS NULL AND started_at < ?)",
			heartbeatBefore, startedBefore).
		Update("ended_at", sql.NullTime{Time: at, Valid: true})
	return res.RowsAffected, res.Error
}

func (r *PostgresViewerRepository) updateOpenSession(ctx context.Context, id, serverID uint, column string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&viewer.Session{}).
		Where("id = ? AND server_id = ? AND ended_at IS NULL", id, serverID).
		Update(column, sql.NullTime{Time: at, Valid: true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}

func (r *PostgresViewerRepository) updateUser(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&viewer.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return relay_errors.ErrNotFound
	}
	return nil
}

func toCountMap(rows []serverCount) map[uint]int64 {
	out := make(map[uint]int64, len(rows))
	for _, row := range rows {
		out[row.ServerID] = row.N
	}
	return out
}
