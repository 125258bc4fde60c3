package fleet

import (
	"context"
	"errors"

	"relay-fleet/internal/events"
	"relay-fleet/internal/metrics"
	"relay-fleet/internal/queue"
	"relay-fleet/internal/repository"
	relay_errors "relay-fleet/pkg/errors"
)

func (o *Orchestrator) handleReconcileViewers(ctx context.Context, _ queue.Task) error {
	return o.ReconcileViewerCounts(ctx)
}

// ReconcileViewerCounts rewrites viewer_count from open sessions and
// refreshes the server gauges.
func (o *Orchestrator) ReconcileViewerCounts(ctx context.Context) error {
	counts, err := o.viewers.OpenSessionCounts(ctx)
	if err != nil {
		return err
	}
	if err := o.servers.SetViewerCounts(ctx, counts, o.now()); err != nil {
		return err
	}

	all, err := o.servers.List(ctx, repository.ServerFilter{})
	if err != nil {
		return err
	}
	metrics.Servers.Reset()
	for _, s := range all {
		metrics.Servers.WithLabelValues(string(s.Type), string(s.Status)).Inc()
	}
	return nil
}

func (o *Orchestrator) handleReconcileSessions(ctx context.Context, _ queue.Task) error {
	closed, err := o.CloseStaleSessions(ctx)
	if err != nil {
		return err
	}
	if closed > 0 {
		o.log.WithContext(ctx).Infof("closed %d stale viewer sessions", closed)
	}
	return nil
}

func (o *Orchestrator) CloseStaleSessions(ctx context.Context) (int64, error) {
	now := o.now()
	return o.viewers.CloseStaleSessions(ctx,
		now.Add(-o.cfg.SessionStaleAfter),
		now.Add(-o.cfg.SessionNoHeartbeatTTL),
		now,
	)
}

func (o *Orchestrator) handleReconcileAssignments(ctx context.Context, _ queue.Task) error {
	requeued, released, err := o.ReconcileAssignments(ctx)
	if errors.Is(err, relay_errors.ErrLocked) {
		return nil
	}
	if err != nil {
		return err
	}
	if requeued+released > 0 {
		o.log.WithContext(ctx).Infof("assignment reconcile: %d requeued, %d released", requeued, released)
	}
	return nil
}

// ReconcileAssignments requeues users pointing at servers that are no longer
// active and releases users that stopped watching.
func (o *Orchestrator) ReconcileAssignments(ctx context.Context) (requeued, released int, err error) {
	err = o.coord.Wait(ctx, assignKey, assignLockWait, func(ctx context.Context) error {
		stranded, err := o.viewers.ListUsersOnInactiveServers(ctx)
		if err != nil {
			return err
		}
		for _, u := range stranded {
			newly, err := o.viewers.Enqueue(ctx, u.ID, o.now())
			if err != nil {
				o.log.WithContext(ctx).Warnf("requeue user %d: %v", u.ID, err)
				continue
			}
			requeued++
			o.publish(ctx, events.EventTypeAssignmentChanged, events.AggregateUser, u.ID, events.AssignmentChanged{UserID: u.ID, Queued: true})
			if newly {
				pos, _ := o.viewers.QueuePosition(ctx, u.ID)
				o.publish(ctx, events.EventTypeUserWaiting, events.AggregateUser, u.ID, events.UserWaiting{UserID: u.ID, Position: pos})
			}
		}

		idle, err := o.viewers.ListIdleAssignedUsers(ctx, o.now().Add(-o.cfg.AssignmentIdleTimeout))
		if err != nil {
			return err
		}
		for _, u := range idle {
			if err := o.viewers.Unassign(ctx, u.ID); err != nil {
				o.log.WithContext(ctx).Warnf("release idle user %d: %v", u.ID, err)
				continue
			}
			released++
			o.publish(ctx, events.EventTypeAssignmentChanged, events.AggregateUser, u.ID, events.AssignmentChanged{UserID: u.ID})
		}
		return nil
	})
	return requeued, released, err
}
