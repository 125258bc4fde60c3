package fleet

import (
	"context"
	"errors"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	relay_errors "relay-fleet/pkg/errors"
)

// AuthenticateServer resolves the server presenting a shared secret.
func (o *Orchestrator) AuthenticateServer(ctx context.Context, secret string) (server.Server, error) {
	s, err := o.servers.GetBySharedSecret(ctx, secret)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return server.Server{}, relay_errors.ErrUnauthorized
	}
	return s, err
}

func (o *Orchestrator) Heartbeat(ctx context.Context, serverID uint, viewerCount *int) error {
	return o.servers.RecordHeartbeat(ctx, serverID, viewerCount, o.now())
}

// OpenSession starts a viewing session for a user assigned to the calling server.
func (o *Orchestrator) OpenSession(ctx context.Context, serverID, userID uint) (viewer.Session, error) {
	u, err := o.viewers.GetUser(ctx, userID)
	if err != nil {
		return viewer.Session{}, err
	}
	if u.ServerID == nil || *u.ServerID != serverID {
		return viewer.Session{}, relay_errors.ErrForbidden
	}
	sess := viewer.Session{
		UserID:    userID,
		ServerID:  serverID,
		StartedAt: o.now(),
	}
	if err := o.viewers.OpenSession(ctx, &sess); err != nil {
		return viewer.Session{}, err
	}
	return sess, nil
}

func (o *Orchestrator) TouchSession(ctx context.Context, serverID, sessionID uint) error {
	return o.viewers.TouchSession(ctx, sessionID, serverID, o.now())
}

func (o *Orchestrator) CloseSession(ctx context.Context, serverID, sessionID uint) error {
	return o.viewers.CloseSession(ctx, sessionID, serverID, o.now())
}
