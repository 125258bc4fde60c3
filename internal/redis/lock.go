package redis

import (
	"context"
	"fmt"
	"time"

	relay_errors "relay-fleet/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseIfOwner deletes the lock only when it still carries our token, so an
// expired lock re-acquired by another worker is never released by us.
var releaseIfOwner = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker hands out short-lived exclusive locks backed by SET NX PX.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: "fleet:lock:"}
}

// Acquire takes key for ttl. It returns ErrLocked when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, relay_errors.ErrLocked
	}
	release := func(ctx context.Context) error {
		return releaseIfOwner.Run(ctx, l.client, []string{fullKey}, token).Err()
	}
	return release, nil
}
