package queue

import (
	"context"
	"time"
)

// Queue delivers tasks at least once. A dequeued task stays in flight until
// acked; implementations may redeliver unacked tasks after a restart.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	EnqueueIn(ctx context.Context, t Task, delay time.Duration) error
	// Dequeue waits up to wait for a due task and returns nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Len(ctx context.Context) (int64, error)
}

// Recoverer is implemented by queues that can requeue tasks left in flight by a crashed worker.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Leaser is implemented by queues whose in-flight tasks stay owned only while
// the consumer keeps renewing its lease.
type Leaser interface {
	RenewLease(ctx context.Context) error
	LeaseInterval() time.Duration
}

type Delivery struct {
	Task Task
	raw  string
}
