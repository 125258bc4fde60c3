package server

import (
	"database/sql"
	"time"
)

type Type string

const (
	TypeOrigin Type = "origin"
	TypeEdge   Type = "edge"
)

func (t Type) Valid() bool {
	return t == TypeOrigin || t == TypeEdge
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Server represents servers
type Server struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Type               Type           `gorm:"type:varchar(16);not null;index" json:"type"`
	Hostname           string         `gorm:"not null;default:''" json:"hostname"`
	IP                 string         `gorm:"column:ip;not null;default:''" json:"ip"`
	InternalIP         string         `gorm:"column:internal_ip;not null;default:''" json:"internal_ip"`
	InstanceID         sql.NullString `gorm:"index" json:"-"`
	Port               int            `gorm:"not null;default:443" json:"port"`
	SharedSecret       string         `gorm:"not null;uniqueIndex" json:"-"`
	MaxClients         int            `gorm:"not null;default:0" json:"max_clients"`
	ViewerCount        int            `gorm:"not null;default:0" json:"viewer_count"`
	Status             Status         `gorm:"type:varchar(16);not null;index" json:"status"`
	Step               Step           `gorm:"type:varchar(32);not null;default:''" json:"step"`
	FailureReason      string         `gorm:"not null;default:''" json:"failure_reason,omitempty"`
	FailedAt           sql.NullTime   `json:"-"`
	Immutable          bool           `gorm:"not null;default:false" json:"immutable"`
	HealthStatus       HealthStatus   `gorm:"type:varchar(16);not null;default:'unknown'" json:"health_status"`
	HealthCheckMessage string         `gorm:"not null;default:''" json:"health_check_message,omitempty"`
	LastHealthCheckAt  sql.NullTime   `json:"-"`
	LastHeartbeat      sql.NullTime   `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Server) TableName() string {
	return "servers"
}

// Live reports whether the server counts towards fleet capacity.
func (s Server) Live() bool {
	return s.Status == StatusProvisioning || s.Status == StatusActive
}

func (s Server) HasInstance() bool {
	return s.InstanceID.Valid && s.InstanceID.String != ""
}

// Addresses is what a VM reports once the cloud has attached its networks.
type Addresses struct {
	IP         string
	InternalIP string
	Port       int
	MaxClients int
}

type ScalingAction string

const (
	ActionScaleUp              ScalingAction = "scale_up"
	ActionScaleDown            ScalingAction = "scale_down"
	ActionProvisionRequested   ScalingAction = "provision_requested"
	ActionDeprovisionRequested ScalingAction = "deprovision_requested"
	ActionProvisionFailed      ScalingAction = "provision_failed"
	ActionDeprovisionFailed    ScalingAction = "deprovision_failed"
	ActionServerActive         ScalingAction = "server_active"
	ActionServerDeleted        ScalingAction = "server_deleted"
)

// ScalingEvent represents scaling_events, an append-only audit trail of fleet decisions.
type ScalingEvent struct {
	ID            uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	Action        ScalingAction `gorm:"type:varchar(32);not null;index" json:"action"`
	ServerID      *uint         `gorm:"index" json:"server_id,omitempty"`
	ServerType    Type          `gorm:"type:varchar(16);not null;default:''" json:"server_type,omitempty"`
	ActiveViewers int64         `gorm:"not null;default:0" json:"active_viewers"`
	Capacity      int64         `gorm:"not null;default:0" json:"capacity"`
	Reason        string        `gorm:"not null;default:''" json:"reason"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
}

func (ScalingEvent) TableName() string {
	return "scaling_events"
}
