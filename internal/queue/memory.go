package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type delayedTask struct {
	due  time.Time
	seq  int
	task Task
}

// MemoryQueue is the in-process Queue used by tests and single-node
// development. Time comes from clock so delays can be driven by a fake clock.
type MemoryQueue struct {
	mu       sync.Mutex
	clock    func() time.Time
	ready    []Task
	delayed  []delayedTask
	inflight map[string]Task
	seq      int
	notify   chan struct{}
}

func NewMemoryQueue(clock func() time.Time) *MemoryQueue {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueue{
		clock:    clock,
		inflight: make(map[string]Task),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	q.ready = append(q.ready, t)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) EnqueueIn(ctx context.Context, t Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, t)
	}
	q.mu.Lock()
	q.seq++
	q.delayed = append(q.delayed, delayedTask{due: q.clock().Add(delay), seq: q.seq, task: t})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if d := q.pop(); d != nil || wait <= 0 {
		return d, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.notify:
	case <-timer.C:
	}
	return q.pop(), nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	q.mu.Lock()
	delete(q.inflight, d.raw)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

// Pending returns a snapshot of every queued task, ready ones first.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]Task(nil), q.ready...)
	for _, d := range q.sortedDelayed() {
		out = append(out, d.task)
	}
	return out
}

// NextDue reports when the earliest delayed task becomes ready.
func (q *MemoryQueue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delayed := q.sortedDelayed()
	if len(delayed) == 0 {
		return time.Time{}, false
	}
	return delayed[0].due, true
}

func (q *MemoryQueue) pop() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	remaining := q.delayed[:0]
	for _, d := range q.sortedDelayed() {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.task)
			continue
		}
		remaining = append(remaining, d)
	}
	q.delayed = remaining

	if len(q.ready) == 0 {
		return nil
	}
	t := q.ready[0]
	q.ready = q.ready[1:]
	q.seq++
	key := t.ID + "#" + strconv.Itoa(q.seq)
	q.inflight[key] = t
	return &Delivery{Task: t, raw: key}
}

func (q *MemoryQueue) sortedDelayed() []delayedTask {
	out := append([]delayedTask(nil), q.delayed...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].due.Equal(out[j].due) {
			return out[i].seq < out[j].seq
		}
		return out[i].due.Before(out[j].due)
	})
	return out
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
