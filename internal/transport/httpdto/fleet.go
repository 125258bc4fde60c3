package httpdto

type ProvisionRequest struct {
	Reason string `json:"reason"`
}

type StreamStateRequest struct {
	State string `json:"state" binding:"required"`
}

type AutoscalerRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type AutoscalerResponse struct {
	Enabled bool `json:"enabled"`
}

type StreamStateResponse struct {
	State string `json:"state"`
}

type QueuePositionResponse struct {
	UserID   uint  `json:"user_id"`
	Queued   bool  `json:"queued"`
	Position int64 `json:"position"`
}

type AcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	ServerID uint   `json:"server_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type HeartbeatRequest struct {
	ViewerCount *int `json:"viewer_count"`
}

type HeartbeatResponse struct {
	ServerID uint   `json:"server_id"`
	Status   string `json:"status"`
}

type OpenSessionRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

type SessionResponse struct {
	ID       uint   `json:"id"`
	UserID   uint   `json:"user_id"`
	ServerID uint   `json:"server_id"`
	Started  string `json:"started_at"`
}
