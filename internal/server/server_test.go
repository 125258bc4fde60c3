package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/config"
	"relay-fleet/internal/auth"
	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/domain/viewer"
	"relay-fleet/internal/fleet"
	"relay-fleet/internal/handler"
	"relay-fleet/internal/middleware"
	relay_errors "relay-fleet/pkg/errors"
	"relay-fleet/pkg/logger"
)

type stubFleet struct{}

func (stubFleet) FleetSnapshot(context.Context) (fleet.Snapshot, error) {
	return fleet.Snapshot{StreamState: "online"}, nil
}
func (stubFleet) RequestProvision(context.Context, string) error { return nil }
func (stubFleet) RequestDeprovision(context.Context, uint) error { return nil }
func (stubFleet) SetStreamState(context.Context, string) error { return nil }
func (stubFleet) SetAutoscaler(context.Context, bool) error { return nil }
func (stubFleet) QueuePosition(context.Context, uint) (int64, error) { return 0, nil }
func (stubFleet) AssignUser(context.Context, uint) (fleet.Assignment, error) {
	return fleet.Assignment{Queued: true, Position: 1}, nil
}

type stubSessions struct{}

func (stubSessions) Heartbeat(context.Context, uint, *int) error { return nil }
func (stubSessions) OpenSession(context.Context, uint, uint) (viewer.Session, error) {
	return viewer.Session{ID: 1}, nil
}
func (stubSessions) TouchSession(context.Context, uint, uint) error { return nil }
func (stubSessions) CloseSession(context.Context, uint, uint) error { return nil }

type stubServers struct{}

func (stubServers) AuthenticateServer(_ context.Context, secret string) (server.Server, error) {
	if secret == "edge-secret" {
		return server.Server{ID: 2, Status: server.StatusActive}, nil
	}
	return server.Server{}, relay_errors.ErrUnauthorized
}

func TestRoutes(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Port: "0", Mode: TestMode}}
	verifier := auth.NewVerifier("s3cret", "admin")
	s := New(cfg, logger.NewNop())
	s.SetupRoutes(&Handlers{
		Fleet:  handler.NewFleetHandler(stubFleet{}),
		Server: handler.NewServerHandler(stubSessions{}),
	}, Auth{Tokens: verifier, Servers: stubServers{}}, nil)

	token, err := verifier.Issue("ops", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"ping", http.MethodGet, "/ping", nil, http.StatusOK},
		{"health without db", http.MethodGet, "/health", nil, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, http.StatusOK},
		{"admin without token", http.MethodGet, "/api/v1/fleet", nil, http.StatusUnauthorized},
		{"admin with token", http.MethodGet, "/api/v1/fleet", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"server without secret", http.MethodPost, "/api/server/heartbeat", nil, http.StatusUnauthorized},
		{"server with secret", http.MethodPost, "/api/server/heartbeat", map[string]string{middleware.SharedSecretHeader: "edge-secret"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			s.Engine().ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
		})
	}
}
