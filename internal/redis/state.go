package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamStatusKey      = "stream:status"
	autoscalerEnabledKey = "autoscaler:enabled"
	cooldownPrefix       = "fleet:cooldown:"
)

// StateStore holds the small pieces of shared fleet state kept in Redis:
// the stream status, the autoscaler switch and scale cooldowns.
type StateStore struct {
	client            *redis.Client
	defaultAutoscaler bool
}

func NewStateStore(client *redis.Client, defaultAutoscaler bool) *StateStore {
	return &StateStore{client: client, defaultAutoscaler: defaultAutoscaler}
}

// StreamState returns the raw status; a missing key reads as "offline".
func (s *StateStore) StreamState(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, streamStatusKey).Result()
	if errors.Is(err, redis.Nil) {
		return "offline", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *StateStore) SetStreamState(ctx context.Context, state string) error {
	return s.client.Set(ctx, streamStatusKey, state, 0).Err()
}

func (s *StateStore) AutoscalerEnabled(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, autoscalerEnabledKey).Result()
	if errors.Is(err, redis.Nil) {
		return s.defaultAutoscaler, nil
	}
	if err != nil {
		return false, err
	}
	enabled, err := strconv.ParseBool(val)
	if err != nil {
		return s.defaultAutoscaler, nil
	}
	return enabled, nil
}

func (s *StateStore) SetAutoscalerEnabled(ctx context.Context, enabled bool) error {
	return s.client.Set(ctx, autoscalerEnabledKey, strconv.FormatBool(enabled), 0).Err()
}

// TryCooldown starts a cooldown window named key and reports false when one is
// already running. A zero ttl disables the cooldown.
func (s *StateStore) TryCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	return s.client.SetNX(ctx, cooldownPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
