package fleet

import (
	"context"
	"sync"
	"time"

	"relay-fleet/config"
	"relay-fleet/internal/queue"
	"relay-fleet/pkg/logger"
)

type Schedule struct {
	TaskType string
	Interval time.Duration
}

// DefaultSchedules lists the periodic fleet tasks; a zero interval disables one.
func DefaultSchedules(cfg config.FleetConfig) []Schedule {
	return []Schedule{
		{TaskScale, cfg.ScalingInterval},
		{TaskHealth, cfg.HealthInterval},
		{TaskAssignSweep, cfg.AssignSweepInterval},
		{TaskReconcileViewers, cfg.ViewerReconcileInterval},
		{TaskReconcileSessions, cfg.SessionReconcileInterval},
		{TaskReconcileAssignments, cfg.AssignmentReconcileInterval},
	}
}

type ticketer interface {
	TryCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler enqueues periodic tasks. With a ticketer, only one replica
// enqueues a given task per interval.
type Scheduler struct {
	queue     queue.Queue
	tickets   ticketer
	schedules []Schedule
	log       *logger.Logger
	wg        sync.WaitGroup
}

func NewScheduler(q queue.Queue, tickets ticketer, schedules []Schedule, log *logger.Logger) *Scheduler {
	return &Scheduler{queue: q, tickets: tickets, schedules: schedules, log: log}
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, sched := range s.schedules {
		if sched.Interval <= 0 {
			s.log.Infof("periodic task %s disabled", sched.TaskType)
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, sched)
	}
}

// Wait blocks until every schedule loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, sched Schedule) {
	defer s.wg.Done()
	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, sched)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule) {
	if s.tickets != nil {
		ok, err := s.tickets.TryCooldown(ctx, "tick:"+sched.TaskType, sched.Interval*9/10)
		if err != nil {
			s.log.Warnf("schedule %s: %v", sched.TaskType, err)
			return
		}
		if !ok {
			return
		}
	}
	t, err := periodicTask(sched.TaskType)
	if err != nil {
		s.log.Errorf("build periodic task %s: %v", sched.TaskType, err)
		return
	}
	if err := s.queue.Enqueue(ctx, t); err != nil && ctx.Err() == nil {
		s.log.Errorf("enqueue periodic task %s: %v", sched.TaskType, err)
	}
}
