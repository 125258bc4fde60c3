package events

// Fleet events, named domain.action
const (
	EventTypeAssignmentChanged    = "assignment.changed"
	EventTypeUserWaiting          = "user.waiting"
	EventTypeServerAvailable      = "server.available"
	EventTypeServerDeprovisioning = "server.deprovisioning"
	EventTypeServerDeleted        = "server.deleted"
	EventTypeServerFailed         = "server.failed"
	EventTypeStreamState          = "stream.state"
)

const (
	AggregateServer = "server"
	AggregateUser   = "user"
	AggregateSystem = "system"
)

// ChannelPattern matches every fleet channel.
const ChannelPattern = "channel:fleet:*"

// AssignmentChanged is published when a user gets or loses an edge.
type AssignmentChanged struct {
	UserID   uint   `json:"user_id"`
	ServerID *uint  `json:"server_id,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Queued   bool   `json:"queued"`
}

type UserWaiting struct {
	UserID   uint  `json:"user_id"`
	Position int64 `json:"position"`
}

type ServerChanged struct {
	ServerID uint   `json:"server_id"`
	Type     string `json:"type"`
	Hostname string `json:"hostname,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type StreamStateChanged struct {
	State string `json:"state"`
}
