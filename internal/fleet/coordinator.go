package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	relay_errors "relay-fleet/pkg/errors"
)

const lockPollInterval = 50 * time.Millisecond

// Coordinator serialises fleet decisions. Every caller runs its own fn while
// holding the key, both in this process and, through the Redis lock, across
// replicas.
type Coordinator struct {
	locker Locker
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

func NewCoordinator(locker Locker, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Coordinator{locker: locker, ttl: ttl, held: make(map[string]struct{})}
}

func lockKey(action, target string) string {
	return action + ":" + target
}

// Exclusive runs fn while holding key and fails fast with ErrLocked when
// anyone else holds it.
func (c *Coordinator) Exclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := c.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Wait is Exclusive that polls the key for up to wait before giving up with ErrLocked.
func (c *Coordinator) Wait(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)
	for {
		release, err := c.acquire(ctx, key)
		if err == nil {
			defer release(context.WithoutCancel(ctx))
			return fn(ctx)
		}
		if !errors.Is(err, relay_errors.ErrLocked) || !time.Now().Before(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (c *Coordinator) acquire(ctx context.Context, key string) (func(context.Context), error) {
	c.mu.Lock()
	if _, busy := c.held[key]; busy {
		c.mu.Unlock()
		return nil, relay_errors.ErrLocked
	}
	c.held[key] = struct{}{}
	c.mu.Unlock()

	local := func() {
		c.mu.Lock()
		delete(c.held, key)
		c.mu.Unlock()
	}
	if c.locker == nil {
		return func(context.Context) { local() }, nil
	}
	unlock, err := c.locker.Acquire(ctx, key, c.ttl)
	if err != nil {
		local()
		return nil, err
	}
	return func(ctx context.Context) {
		_ = unlock(ctx)
		local()
	}, nil
}
