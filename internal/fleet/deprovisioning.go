package fleet

import (
	"context"
	"errors"
	"fmt"

	"relay-fleet/internal/domain/server"
	"relay-fleet/internal/events"
	"relay-fleet/internal/queue"
	relay_errors "relay-fleet/pkg/errors"
)

// RequestDeprovision drains and removes one server.
func (o *Orchestrator) RequestDeprovision(ctx context.Context, serverID uint) error {
	s, err := o.servers.GetByID(ctx, serverID)
	if err != nil {
		return err
	}
	if s.Status != server.StatusDeprovisioning && !s.Status.CanTransition(server.StatusDeprovisioning) {
		return fmt.Errorf("server %d is %s: %w", serverID, s.Status, relay_errors.ErrInvalidTransition)
	}
	reason := "manual"
	if err := o.requestDeprovision(ctx, serverID, reason); err != nil {
		return err
	}
	o.audit(ctx, server.ScalingEvent{
		Action:     server.ActionDeprovisionRequested,
		ServerID:   &s.ID,
		ServerType: s.Type,
		Reason:     reason,
	})
	return nil
}

func (o *Orchestrator) requestDeprovision(ctx context.Context, serverID uint, reason string) error {
	chain, err := o.deprovisionChain(serverID, reason)
	if err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, chain); err != nil {
		return fmt.Errorf("enqueue deprovisioning of server %d: %w", serverID, err)
	}
	return nil
}

// loadDeprovisioning re-reads the server and ends the chain once it is gone
// or has left the deprovisioning state.
func (o *Orchestrator) loadDeprovisioning(ctx context.Context, t queue.Task) (server.Server, error) {
	p, err := decodeServer(t)
	if err != nil {
		return server.Server{}, err
	}
	s, err := o.servers.GetByID(ctx, p.ServerID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return s, queue.ErrStopChain
	}
	if err != nil {
		return s, err
	}
	if s.Status != server.StatusDeprovisioning {
		o.log.WithContext(ctx).Infof("%s: server %d is %s, stopping", t.Type, s.ID, s.Status)
		return s, queue.ErrStopChain
	}
	return s, nil
}

func (o *Orchestrator) handleDeprovisionInit(ctx context.Context, t queue.Task) error {
	p, err := decodeServer(t)
	if err != nil {
		return err
	}
	ctx = serverCtx(ctx, p.ServerID)
	s, err := o.servers.GetByID(ctx, p.ServerID)
	if errors.Is(err, relay_errors.ErrNotFound) {
		return queue.ErrStopChain
	}
	if err != nil {
		return err
	}
	if s.Status != server.StatusDeprovisioning && !s.Status.CanTransition(server.StatusDeprovisioning) {
		return queue.ErrStopChain
	}

	moved, queued, err := o.drainAssignments(ctx, s)
	if err != nil {
		return err
	}
	if !s.Step.Reached(server.StepDrainStarted) {
		if err := o.servers.SetStep(ctx, s.ID, server.StepDrainStarted); err != nil {
			return err
		}
	}
	s.Status = server.StatusDeprovisioning

	o.publishServer(ctx, events.EventTypeServerDeprovisioning, s, p.Reason)
	o.log.WithContext(ctx).Infof("deprovisioning %s server %d (%s): %d users moved, %d queued", s.Type, s.ID, p.Reason, moved, queued)
	return nil
}

func (o *Orchestrator) handleDeprovisionCheck(ctx context.Context, t queue.Task) error {
	s, err := o.loadDeprovisioning(ctx, t)
	if err != nil {
		return err
	}
	ctx = serverCtx(ctx, s.ID)

	counts, err := o.viewers.OpenSessionCounts(ctx)
	if err != nil {
		return err
	}
	if open := counts[s.ID]; open > 0 {
		if !t.LastAttempt() {
			return fmt.Errorf("server %d still serves %d sessions", s.ID, open)
		}
		o.log.WithContext(ctx).Warnf("drain timeout reached for server %d with %d open sessions, removing anyway", s.ID, open)
	}
	if s.Step.Reached(server.StepDrained) {
		return nil
	}
	return o.servers.SetStep(ctx, s.ID, server.StepDrained)
}

func (o *Orchestrator) handleDeprovisionDNS(ctx context.Context, t queue.Task) error {
	s, err := o.loadDeprovisioning(ctx, t)
	if err != nil {
		return err
	}
	if s.Step.Reached(server.StepDNSDeleted) {
		return nil
	}
	if s.Type == server.TypeEdge && s.Hostname != "" {
		if err := o.dns.DeleteRecord(ctx, s.Hostname); err != nil {
			return err
		}
	}
	return o.servers.SetStep(ctx, s.ID, server.StepDNSDeleted)
}

func (o *Orchestrator) handleDeprovisionVM(ctx context.Context, t queue.Task) error {
	s, err := o.loadDeprovisioning(ctx, t)
	if err != nil {
		return err
	}
	ctx = serverCtx(ctx, s.ID)

	if s.HasInstance() {
		if err := o.vms.DeleteInstance(ctx, s.InstanceID.String); err != nil {
			return err
		}
	}
	ok, err := o.servers.TransitionStatus(ctx, s.ID, server.StatusDeleted)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrStopChain
	}
	if err := o.servers.SetStep(ctx, s.ID, server.StepVMDeleted); err != nil {
		o.log.WithContext(ctx).Warnf("record vm deletion step: %v", err)
	}
	cleared, err := o.viewers.ClearServer(ctx, s.ID)
	if err != nil {
		o.log.WithContext(ctx).Warnf("clear users of server %d: %v", s.ID, err)
	}
	s.Status = server.StatusDeleted

	o.publishServer(ctx, events.EventTypeServerDeleted, s, "")
	o.audit(ctx, server.ScalingEvent{Action: server.ActionServerDeleted, ServerID: &s.ID, ServerType: s.Type})
	o.log.WithContext(ctx).Infof("%s server %d deleted, %d user references cleared", s.Type, s.ID, cleared)
	return nil
}
