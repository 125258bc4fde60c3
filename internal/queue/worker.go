package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay-fleet/internal/metrics"
	"relay-fleet/pkg/logger"
)

type Handler interface {
	Handle(ctx context.Context, t Task) error
}

type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// FailureFunc runs once when a task gives up: its budget is spent or it returned a Permanent error.
type FailureFunc func(ctx context.Context, t Task, err error)

// Mux routes tasks to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	failures map[string]FailureFunc
}

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[string]Handler),
		failures: make(map[string]FailureFunc),
	}
}

func (m *Mux) Handle(taskType string, h Handler) {
	m.mu.Lock()
	m.handlers[taskType] = h
	m.mu.Unlock()
}

func (m *Mux) HandleFunc(taskType string, fn func(ctx context.Context, t Task) error) {
	m.Handle(taskType, HandlerFunc(fn))
}

func (m *Mux) OnFailure(taskType string, fn FailureFunc) {
	m.mu.Lock()
	m.failures[taskType] = fn
	m.mu.Unlock()
}

func (m *Mux) lookup(taskType string) (Handler, FailureFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[taskType], m.failures[taskType]
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeDropped   Outcome = "dropped"
)

// Worker pulls tasks from a Queue and runs them through a Mux.
type Worker struct {
	queue       Queue
	mux         *Mux
	log         *logger.Logger
	concurrency int
	pollWait    time.Duration
	clock       func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(q Queue, mux *Mux, l *logger.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		mux:         mux,
		log:         l,
		concurrency: concurrency,
		pollWait:    time.Second,
		clock:       time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start recovers tasks abandoned by dead consumers and launches the worker
// goroutines. Queues with leases get a keeper that renews this worker's lease
// and keeps reclaiming expired ones.
func (w *Worker) Start(ctx context.Context) {
	w.recover(ctx)

	if l, ok := w.queue.(Leaser); ok {
		w.wg.Add(1)
		go w.keepLease(ctx, l)
	}
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.log.Infof("task worker started with %d goroutines", w.concurrency)
}

func (w *Worker) recover(ctx context.Context) {
	r, ok := w.queue.(Recoverer)
	if !ok {
		return
	}
	moved, err := r.Recover(ctx)
	if err != nil {
		w.log.Errorf("queue recovery failed: %v", err)
	} else if moved > 0 {
		w.log.Infof("requeued %d in-flight tasks of expired consumers", moved)
	}
}

func (w *Worker) keepLease(ctx context.Context, l Leaser) {
	defer w.wg.Done()
	if err := l.RenewLease(ctx); err != nil {
		w.log.Errorf("take queue lease: %v", err)
	}
	ticker := time.NewTicker(l.LeaseInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := l.RenewLease(ctx); err != nil {
				w.log.Errorf("renew queue lease: %v", err)
				continue
			}
			w.recover(ctx)
		}
	}
}

// Stop waits for running tasks to finish; no new task is picked up afterwards.
func (w *Worker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
	w.log.Infof("task worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		d, err := w.queue.Dequeue(ctx, w.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Errorf("dequeue failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			}
			continue
		}
		if d == nil {
			continue
		}
		w.Process(ctx, d.Task)
		if err := w.queue.Ack(ctx, d); err != nil {
			w.log.Errorf("ack task %s (%s) failed: %v", d.Task.ID, d.Task.Type, err)
		}
	}
}

// Drain runs every task that is due right now, including tasks made ready by
// the ones it runs, and returns how many it processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		d, err := w.queue.Dequeue(ctx, 0)
		if err != nil {
			return n, err
		}
		if d == nil {
			return n, nil
		}
		w.Process(ctx, d.Task)
		if err := w.queue.Ack(ctx, d); err != nil {
			return n, err
		}
		n++
	}
}

// Process runs a single delivery of t and schedules whatever follows it:
// the next chain step, a delayed retry, or the failure hook.
func (w *Worker) Process(ctx context.Context, t Task) Outcome {
	start := w.clock()
	outcome := w.process(ctx, t)
	metrics.RecordTask(t.Type, string(outcome), w.clock().Sub(start))
	return outcome
}

func (w *Worker) process(ctx context.Context, t Task) Outcome {
	handler, onFailure := w.mux.lookup(t.Type)
	if handler == nil {
		w.log.Errorf("no handler registered for task type %s, dropping %s", t.Type, t.ID)
		return OutcomeDropped
	}

	taskCtx := context.WithValue(ctx, logger.TaskIdKey, t.ID)
	err := safeHandle(taskCtx, handler, t)

	switch {
	case err == nil:
		if next, ok := t.Next(); ok {
			if err := w.queue.Enqueue(ctx, next); err != nil {
				w.log.Errorf("enqueue chain step %s after %s failed: %v", next.Type, t.Type, err)
			}
		}
		return OutcomeSucceeded

	case errors.Is(err, ErrStopChain):
		w.log.Debugf("task %s (%s) stopped its chain", t.ID, t.Type)
		return OutcomeStopped

	case IsPermanent(err) || t.LastAttempt():
		w.log.Errorf("task %s (%s) failed on attempt %d/%d: %v", t.ID, t.Type, t.Attempt, t.MaxAttempts, err)
		if onFailure != nil {
			onFailure(taskCtx, t, err)
		}
		return OutcomeFailed

	default:
		retry := t
		retry.Attempt++
		w.log.Warnf("task %s (%s) attempt %d/%d failed, retrying in %s: %v",
			t.ID, t.Type, t.Attempt, t.MaxAttempts, t.Backoff, err)
		if err := w.queue.EnqueueIn(ctx, retry, t.Backoff); err != nil {
			w.log.Errorf("schedule retry of %s failed: %v", t.ID, err)
		}
		return OutcomeRetried
	}
}

func safeHandle(ctx context.Context, h Handler, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Type, r)
		}
	}()
	return h.Handle(ctx, t)
}
