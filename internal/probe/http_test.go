package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"relay-fleet/internal/domain/server"
)

func newTestProber(t *testing.T, handler http.HandlerFunc) *HTTPProber {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	p := NewHTTPProber(time.Second)
	p.baseURL = func(*server.Server) string { return ts.URL }
	return p
}

func TestIsReady(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"ok", http.StatusOK, `{"code":0}`, true},
		{"non-zero code", http.StatusOK, `{"code":1}`, false},
		{"missing code", http.StatusOK, `{}`, false},
		{"not json", http.StatusOK, `ready`, false},
		{"server error", http.StatusServiceUnavailable, `{"code":0}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/ready", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			assert.Equal(t, tc.want, p.IsReady(context.Background(), &server.Server{Type: server.TypeEdge}))
		})
	}
}

func TestCheckHealthMessage(t *testing.T) {
	p := newTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":2,"message":"disk full"}`))
	})
	healthy, msg := p.CheckHealth(context.Background(), &server.Server{Type: server.TypeEdge})
	assert.False(t, healthy)
	assert.Equal(t, "disk full", msg)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.4:1985", baseURL(&server.Server{Type: server.TypeOrigin, IP: "10.0.0.4"}))
	assert.Equal(t, "https://edge-1.example.org", baseURL(&server.Server{Type: server.TypeEdge, Hostname: "edge-1.example.org"}))
}
