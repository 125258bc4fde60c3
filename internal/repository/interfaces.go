package repository

import (
	"context"
	"time"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
)

// ServerFilter narrows List; empty slices match everything.
type ServerFilter struct {
	Types    []server.Type
	Statuses []server.Status
}

type ServerRepository interface {
	Create(ctx context.Context, s *server.Server) error
	GetByID(ctx context.Context, id uint) (server.Server, error)
	GetBySharedSecret(ctx context.Context, secret string) (server.Server, error)
	// List returns matching servers ordered by id.
	List(ctx context.Context, filter ServerFilter) ([]server.Server, error)

	// SaveInstance records the cloud instance while the server is still provisioning
	// and reports false once it has moved on.
	SaveInstance(ctx context.Context, id uint, instanceID, hostname string) (bool, error)
	SaveAddresses(ctx context.Context, id uint, addr server.Addresses) error
	SetStep(ctx context.Context, id uint, step server.Step) error
	// TransitionStatus moves the server to `to` only when its current status may
	// lead there; it reports false when the server is in any other status.
	TransitionStatus(ctx context.Context, id uint, to server.Status) (bool, error)
	MarkFailed(ctx context.Context, id uint, step server.Step, reason string, at time.Time) error

	RecordHealth(ctx context.Context, id uint, status server.HealthStatus, message string, at time.Time) error
	RecordHeartbeat(ctx context.Context, id uint, viewerCount *int, at time.Time) error
	// SetViewerCounts writes the given counts and zeroes every active edge missing from counts.
	SetViewerCounts(ctx context.Context, counts map[uint]int64, at time.Time) error
}

type ViewerRepository interface {
	GetUser(ctx context.Context, id uint) (viewer.User, error)
	ListUsersByServer(ctx context.Context, serverID uint) ([]viewer.User, error)
	// ListQueuedUsers returns waiting users, oldest provisioning_since first.
	ListQueuedUsers(ctx context.Context) ([]viewer.User, error)
	ListUsersOnInactiveServers(ctx context.Context) ([]viewer.User, error)
	// ListIdleAssignedUsers returns assigned users without an open session and
	// without a session that ended after since.
	ListIdleAssignedUsers(ctx context.Context, since time.Time) ([]viewer.User, error)

	AssignServer(ctx context.Context, userID, serverID uint, streamkey string) error
	// Enqueue marks the user as waiting; it reports true when the user was not queued before.
	Enqueue(ctx context.Context, userID uint, at time.Time) (bool, error)
	Unassign(ctx context.Context, userID uint) error
	ClearServer(ctx context.Context, serverID uint) (int64, error)
	QueuePosition(ctx context.Context, userID uint) (int64, error)
	QueueLength(ctx context.Context) (int64, error)

	AssignedCounts(ctx context.Context) (map[uint]int64, error)
	OpenSessionCounts(ctx context.Context) (map[uint]int64, error)
	CountActiveViewers(ctx context.Context) (int64, error)

	OpenSession(ctx context.Context, s *viewer.Session) error
	TouchSession(ctx context.Context, id, serverID uint, at time.Time) error
	CloseSession(ctx context.Context, id, serverID uint, at time.Time) error
	CloseStaleSessions(ctx context.Context, heartbeatBefore, startedBefore, at time.Time) (int64, error)
}

type ScalingEventRepository interface {
	Create(ctx context.Context, e *server.ScalingEvent) error
	ListRecent(ctx context.Context, limit int) ([]server.ScalingEvent, error)
}
