package viewer

import (
	"database/sql"
	"time"
)

// User is the assignment-relevant part of users.
type User struct {
	ID                uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string       `gorm:"not null;default:''" json:"name"`
	ServerID          *uint        `gorm:"index" json:"server_id,omitempty"`
	Streamkey         string       `gorm:"not null;default:''" json:"-"`
	IsProvisioning    bool         `gorm:"not null;default:false;index" json:"is_provisioning"`
	ProvisioningSince sql.NullTime `gorm:"index" json:"-"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Queued reports whether the user waits for an edge with free capacity.
func (u User) Queued() bool {
	return u.IsProvisioning && u.ServerID == nil
}

// Session represents viewer_sessions: one open playback connection of a user on a server.
type Session struct {
	ID              uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint         `gorm:"not null;index" json:"user_id"`
	ServerID        uint         `gorm:"not null;index" json:"server_id"`
	StartedAt       time.Time    `gorm:"not null" json:"started_at"`
	LastHeartbeatAt sql.NullTime `json:"-"`
	EndedAt         sql.NullTime `gorm:"index" json:"-"`
}

func (Session) TableName() string {
	return "viewer_sessions"
}

func (s Session) Open() bool {
	return !s.EndedAt.Valid
}
