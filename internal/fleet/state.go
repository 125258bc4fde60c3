package fleet

import (
	"context"
	"fmt"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/events"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
)

const recentEventLimit = 20

func ValidStreamState(state string) bool {
	switch state {
	case StreamOffline, StreamStarting, StreamOnline:
		return true
	}
	return false
}

// SetStreamState stores the broadcast state and reacts to it: going offline
// tears the fleet down, starting brings up an origin and a first edge.
func (o *Orchestrator) SetStreamState(ctx context.Context, state string) error {
	if !ValidStreamState(state) {
		return fmt.Errorf("unknown stream state %q: %w", state, relay_errors.ErrInvalidInput)
	}
	if err := o.state.SetStreamState(ctx, state); err != nil {
		return err
	}
	o.publish(ctx, events.EventTypeStreamState, events.AggregateSystem, 0, events.StreamStateChanged{State: state})

	switch state {
	case StreamOffline:
		return o.teardown(ctx)
	case StreamStarting:
		return o.warmUp(ctx)
	}
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	live, err := o.servers.List(ctx, repository.ServerFilter{
		Statuses: []server.Status{server.StatusProvisioning, server.StatusActive, server.StatusError},
	})
	if err != nil {
		return err
	}
	for _, s := range live {
		if err := o.requestDeprovision(ctx, s.ID, "stream offline"); err != nil {
			return err
		}
		o.audit(ctx, server.ScalingEvent{
			Action:     server.ActionDeprovisionRequested,
			ServerID:   &s.ID,
			ServerType: s.Type,
			Reason:     "stream offline",
		})
	}
	return nil
}

func (o *Orchestrator) warmUp(ctx context.Context) error {
	live, err := o.servers.List(ctx, repository.ServerFilter{
		Statuses: []server.Status{server.StatusProvisioning, server.StatusActive},
	})
	if err != nil {
		return err
	}
	var origins, edges int
	for _, s := range live {
		if s.Type == server.TypeOrigin {
			origins++
		} else {
			edges++
		}
	}
	if origins > 0 {
		return nil
	}

	if err := o.RequestProvision(ctx, "stream starting"); err != nil {
		return err
	}
	if edges == 0 {
		if err := o.requestProvisionIn(ctx, "stream starting", o.cfg.EdgeDeferDelay); err != nil {
			return err
		}
		o.audit(ctx, server.ScalingEvent{Action: server.ActionProvisionRequested, ServerType: server.TypeEdge, Reason: "stream starting"})
	}
	return nil
}

func (o *Orchestrator) SetAutoscaler(ctx context.Context, enabled bool) error {
	return o.state.SetAutoscalerEnabled(ctx, enabled)
}

type ServerView struct {
	server.Server
	OpenSessions  int64 `json:"open_sessions"`
	AssignedUsers int64 `json:"assigned_users"`
}

type Snapshot struct {
	StreamState       string                `json:"stream_state"`
	AutoscalerEnabled bool                  `json:"autoscaler_enabled"`
	ActiveViewers     int64                 `json:"active_viewers"`
	EdgeCapacity      int64                 `json:"edge_capacity"`
	QueueLength       int64                 `json:"queue_length"`
	Servers           []ServerView          `json:"servers"`
	RecentEvents      []server.ScalingEvent `json:"recent_events"`
}

// FleetSnapshot reports every server that is not deleted, with its load.
// Concurrent callers share one read; the result must not be modified.
func (o *Orchestrator) FleetSnapshot(ctx context.Context) (Snapshot, error) {
	v, err, _ := o.snapshots.Do("snapshot", func() (interface{}, error) {
		return o.fleetSnapshot(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (o *Orchestrator) fleetSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.StreamState, err = o.state.StreamState(ctx); err != nil {
		return snap, err
	}
	if snap.AutoscalerEnabled, err = o.state.AutoscalerEnabled(ctx); err != nil {
		return snap, err
	}
	if snap.ActiveViewers, err = o.viewers.CountActiveViewers(ctx); err != nil {
		return snap, err
	}
	if snap.QueueLength, err = o.viewers.QueueLength(ctx); err != nil {
		return snap, err
	}

	servers, err := o.servers.List(ctx, repository.ServerFilter{
		Statuses: []server.Status{server.StatusProvisioning, server.StatusActive, server.StatusDeprovisioning, server.StatusError},
	})
	if err != nil {
		return snap, err
	}
	sessions, err := o.viewers.OpenSessionCounts(ctx)
	if err != nil {
		return snap, err
	}
	assignedUsers, err := o.viewers.AssignedCounts(ctx)
	if err != nil {
		return snap, err
	}
	snap.Servers = make([]ServerView, 0, len(servers))
	for _, s := range servers {
		if s.Type == server.TypeEdge && s.Live() {
			snap.EdgeCapacity += int64(s.MaxClients)
		}
		snap.Servers = append(snap.Servers, ServerView{Server: s, OpenSessions: sessions[s.ID], AssignedUsers: assignedUsers[s.ID]})
	}

	if o.scaling != nil {
		if snap.RecentEvents, err = o.scaling.ListRecent(ctx, recentEventLimit); err != nil {
			return snap, err
		}
	}
	return snap, nil
}
