package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work. Attempt is 1-based; Chain holds the tasks that
// run, in order, after this one succeeds.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	Chain       []Task          `json:"chain,omitempty"`
}

type Option func(*Task)

func WithMaxAttempts(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.MaxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.Backoff = d
		}
	}
}

func NewTask(taskType string, payload interface{}, opts ...Option) (Task, error) {
	t := Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Attempt:     1,
		MaxAttempts: 1,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Task{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
		}
		t.Payload = raw
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t, nil
}

// Chain attaches rest to first so they are enqueued one by one as each step succeeds.
func Chain(first Task, rest ...Task) Task {
	chained := make([]Task, 0, len(first.Chain)+len(rest))
	chained = append(chained, first.Chain...)
	chained = append(chained, rest...)
	first.Chain = chained
	return first
}

// Next returns the following chain step, carrying the remainder of the chain.
func (t Task) Next() (Task, bool) {
	if len(t.Chain) == 0 {
		return Task{}, false
	}
	next := t.Chain[0]
	next.Chain = append([]Task(nil), t.Chain[1:]...)
	return next, true
}

func (t Task) LastAttempt() bool {
	return t.Attempt >= t.MaxAttempts
}

func (t Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s has no payload", t.Type)
	}
	return json.Unmarshal(t.Payload, v)
}
