package fleet

import (
	"context"
	"errors"
	"fmt"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
)

const (
	StreamOffline  = "offline"
	StreamStarting = "starting"
	StreamOnline   = "online"
)

type ScaleOutcome string

const (
	ScaleNone     ScaleOutcome = "none"
	ScaleSkipped  ScaleOutcome = "skipped"
	ScaleUp       ScaleOutcome = "scaled_up"
	ScaleDown     ScaleOutcome = "scaled_down"
	ScaleCooldown ScaleOutcome = "cooldown"
	ScaleLocked   ScaleOutcome = "locked"
)

type ScaleResult struct {
	Outcome       ScaleOutcome
	ActiveViewers int64
	EdgeCapacity  int64
	ActiveEdges   int
	// ServerID is the edge picked for scale-down.
	ServerID uint
}

func (o *Orchestrator) handleScale(ctx context.Context, _ queue.Task) error {
	res, err := o.CheckCapacity(ctx)
	if err != nil {
		return err
	}
	if res.Outcome != ScaleNone && res.Outcome != ScaleSkipped {
		o.log.WithContext(ctx).Infof("capacity check: %s (viewers=%d capacity=%d)", res.Outcome, res.ActiveViewers, res.EdgeCapacity)
	}
	return nil
}

// CheckCapacity compares active viewers with live edge capacity and requests
// at most one provisioning or deprovisioning.
func (o *Orchestrator) CheckCapacity(ctx context.Context) (ScaleResult, error) {
	state, err := o.state.StreamState(ctx)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("read stream state: %w", err)
	}
	enabled, err := o.state.AutoscalerEnabled(ctx)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("read autoscaler flag: %w", err)
	}
	if state == StreamOffline || !enabled {
		return ScaleResult{Outcome: ScaleSkipped}, nil
	}

	res, err := o.measure(ctx)
	if err != nil {
		return res, err
	}

	over := float64(res.ActiveViewers) > o.cfg.ScaleUpThreshold*float64(res.EdgeCapacity)
	under := float64(res.ActiveViewers) < o.cfg.ScaleDownThreshold*float64(res.EdgeCapacity)

	switch {
	case over:
		return o.scaleUp(ctx, res)
	case under && res.ActiveEdges > 1:
		return o.scaleDown(ctx, res)
	}
	res.Outcome = ScaleNone
	return res, nil
}

func (o *Orchestrator) measure(ctx context.Context) (ScaleResult, error) {
	viewers, err := o.viewers.CountActiveViewers(ctx)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("count active viewers: %w", err)
	}
	edges, err := o.servers.List(ctx, repository.ServerFilter{
		Types:    []server.Type{server.TypeEdge},
		Statuses: []server.Status{server.StatusProvisioning, server.StatusActive},
	})
	if err != nil {
		return ScaleResult{}, fmt.Errorf("list live edges: %w", err)
	}

	res := ScaleResult{ActiveViewers: viewers}
	for _, e := range edges {
		res.EdgeCapacity += int64(e.MaxClients)
		if e.Status == server.StatusActive {
			res.ActiveEdges++
		}
	}
	metrics.ActiveViewers.Set(float64(viewers))
	metrics.EdgeCapacity.Set(float64(res.EdgeCapacity))
	return res, nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, res ScaleResult) (ScaleResult, error) {
	err := o.coord.Exclusive(ctx, lockKey("scale_up", string(server.TypeEdge)), func(ctx context.Context) error {
		ok, err := o.state.TryCooldown(ctx, "scale_up", o.cfg.ScaleCooldown)
		if err != nil {
			return err
		}
		if !ok {
			res.Outcome = ScaleCooldown
			return nil
		}
		reason := fmt.Sprintf("auto: %d viewers over %.0f%% of capacity %d", res.ActiveViewers, o.cfg.ScaleUpThreshold*100, res.EdgeCapacity)
		if err := o.requestProvision(ctx, reason); err != nil {
			return err
		}
		o.audit(ctx, server.ScalingEvent{
			Action:        server.ActionScaleUp,
			ServerType:    server.TypeEdge,
			ActiveViewers: res.ActiveViewers,
			Capacity:      res.EdgeCapacity,
			Reason:        reason,
		})
		res.Outcome = ScaleUp
		return nil
	})
	return o.finishScale(res, "scale_up", err)
}

func (o *Orchestrator) scaleDown(ctx context.Context, res ScaleResult) (ScaleResult, error) {
	err := o.coord.Exclusive(ctx, lockKey("scale_down", string(server.TypeEdge)), func(ctx context.Context) error {
		candidate, err := o.scaleDownCandidate(ctx)
		if err != nil || candidate == nil {
			res.Outcome = ScaleNone
			return err
		}
		ok, err := o.state.TryCooldown(ctx, "scale_down", o.cfg.ScaleCooldown)
		if err != nil {
			return err
		}
		if !ok {
			res.Outcome = ScaleCooldown
			return nil
		}
		reason := fmt.Sprintf("auto: %d viewers under %.0f%% of capacity %d", res.ActiveViewers, o.cfg.ScaleDownThreshold*100, res.EdgeCapacity)
		if err := o.requestDeprovision(ctx, candidate.ID, reason); err != nil {
			return err
		}
		o.audit(ctx, server.ScalingEvent{
			Action:        server.ActionScaleDown,
			ServerID:      &candidate.ID,
			ServerType:    candidate.Type,
			ActiveViewers: res.ActiveViewers,
			Capacity:      res.EdgeCapacity,
			Reason:        reason,
		})
		res.Outcome = ScaleDown
		res.ServerID = candidate.ID
		return nil
	})
	return o.finishScale(res, "scale_down", err)
}

// scaleDownCandidate picks the mutable active edge with the fewest open
// sessions, lowest id first, and confirms it against a fresh read.
func (o *Orchestrator) scaleDownCandidate(ctx context.Context) (*server.Server, error) {
	active, err := o.servers.List(ctx, repository.ServerFilter{
		Types:    []server.Type{server.TypeEdge},
		Statuses: []server.Status{server.StatusActive},
	})
	if err != nil {
		return nil, err
	}
	if len(active) <= 1 {
		return nil, nil
	}
	sessions, err := o.viewers.OpenSessionCounts(ctx)
	if err != nil {
		return nil, err
	}

	var best *server.Server
	for i := range active {
		s := &active[i]
		if s.Immutable {
			continue
		}
		if best == nil || sessions[s.ID] < sessions[best.ID] {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}

	fresh, err := o.servers.GetByID(ctx, best.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Immutable || fresh.Status != server.StatusActive {
		return nil, nil
	}
	return &fresh, nil
}

func (o *Orchestrator) finishScale(res ScaleResult, action string, err error) (ScaleResult, error) {
	if errors.Is(err, relay_errors.ErrLocked) {
		res.Outcome = ScaleLocked
		err = nil
	}
	if err != nil {
		metrics.RecordScaleDecision(action, "error")
		return res, err
	}
	metrics.RecordScaleDecision(action, string(res.Outcome))
	return res, nil
}
