package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/config"
	"relay-fleet/internal/domain/server"
)

func (h *harness) viewersOn(srv server.Server, n int) {
	for i := 0; i < n; i++ {
		h.watching(srv)
	}
}

func TestScaleUpOverThreshold(t *testing.T) {
	h := newHarness(t)
	edges := []server.Server{h.activeEdge(100), h.activeEdge(100), h.activeEdge(100)}
	h.viewersOn(edges[0], 90)
	h.viewersOn(edges[1], 90)
	h.viewersOn(edges[2], 70)

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ScaleUp, res.Outcome)
	assert.Equal(t, int64(250), res.ActiveViewers)
	assert.Equal(t, int64(300), res.EdgeCapacity)
	assert.Len(t, h.pendingOfType(TaskProvisionCreate), 1)
	assert.Empty(t, h.pendingOfType(TaskDeprovisionInit))
	require.Len(t, h.scalingEvents(server.ActionScaleUp), 1)
}

func TestScaleUpRespectsCooldown(t *testing.T) {
	h := newHarness(t)
	edge := h.activeEdge(100)
	h.viewersOn(edge, 95)

	first, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	second, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ScaleUp, first.Outcome)
	assert.Equal(t, ScaleCooldown, second.Outcome)
	assert.Len(t, h.pendingOfType(TaskProvisionCreate), 1)
}

func TestScaleUpWithoutCooldown(t *testing.T) {
	h := newHarness(t, func(c *config.FleetConfig) { c.ScaleCooldown = 0 })
	edge := h.activeEdge(100)
	h.viewersOn(edge, 95)

	for i := 0; i < 2; i++ {
		res, err := h.orch.CheckCapacity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ScaleUp, res.Outcome)
	}
	assert.Len(t, h.pendingOfType(TaskProvisionCreate), 2)
}

func TestScaleDownPicksFewestSessions(t *testing.T) {
	h := newHarness(t)
	pinned := h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusActive, MaxClients: 100, Immutable: true})
	busy := h.activeEdge(100)
	quiet := h.activeEdge(100)
	h.viewersOn(pinned, 5)
	h.viewersOn(busy, 30)
	h.viewersOn(quiet, 15)

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ScaleDown, res.Outcome)
	assert.Equal(t, int64(50), res.ActiveViewers)
	assert.Equal(t, quiet.ID, res.ServerID)

	inits := h.pendingOfType(TaskDeprovisionInit)
	require.Len(t, inits, 1)
	p, err := decodeServer(inits[0])
	require.NoError(t, err)
	assert.Equal(t, quiet.ID, p.ServerID)
	assert.Empty(t, h.pendingOfType(TaskProvisionCreate))
}

func TestScaleDownTieBreaksOnLowestID(t *testing.T) {
	h := newHarness(t)
	a := h.activeEdge(100)
	h.activeEdge(100)
	h.activeEdge(100)

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScaleDown, res.Outcome)
	assert.Equal(t, a.ID, res.ServerID)
}

func TestNoScaleDownBelowOneEdge(t *testing.T) {
	h := newHarness(t)
	h.activeEdge(100)

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScaleNone, res.Outcome)
	assert.Empty(t, h.queue.Pending())
}

func TestNoScaleDownWhenOnlyImmutableCandidates(t *testing.T) {
	h := newHarness(t)
	h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusActive, MaxClients: 100, Immutable: true})
	h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusActive, MaxClients: 100, Immutable: true})

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScaleNone, res.Outcome)
	assert.Empty(t, h.queue.Pending())
}

func TestCapacityCheckSkipped(t *testing.T) {
	cases := []struct {
		name       string
		stream     string
		autoscaler bool
	}{
		{"stream offline", StreamOffline, true},
		{"autoscaler disabled", StreamOnline, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.state.stream = tc.stream
			h.state.autoscaler = tc.autoscaler
			edge := h.activeEdge(100)
			h.viewersOn(edge, 99)

			res, err := h.orch.CheckCapacity(context.Background())
			require.NoError(t, err)
			assert.Equal(t, ScaleSkipped, res.Outcome)
			assert.Empty(t, h.queue.Pending())
		})
	}
}

func TestProvisioningEdgesCountTowardsCapacity(t *testing.T) {
	h := newHarness(t)
	edge := h.activeEdge(100)
	h.addServer(server.Server{Type: server.TypeEdge, Status: server.StatusProvisioning, MaxClients: 100})
	h.viewersOn(edge, 90)

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.EdgeCapacity)
	assert.Equal(t, ScaleNone, res.Outcome)
}

func TestScaleLockedElsewhere(t *testing.T) {
	h := newHarness(t)
	edge := h.activeEdge(100)
	h.viewersOn(edge, 95)
	h.locker.held[lockKey("scale_up", "edge")] = true

	res, err := h.orch.CheckCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScaleLocked, res.Outcome)
	assert.Empty(t, h.queue.Pending())
}
