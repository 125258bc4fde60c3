package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key pattern:
// - ratelimit:{ip}:shared-secret - failed server-secret lookups per window

var fixedWindow = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		current = redis.call('INCR', key)
		if current == 1 then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current, ttl}
	end
	return {0, 0, ttl}
`)

// RateLimiter counts attempts in fixed windows.
type RateLimiter struct {
	client *goredis.Client
	limit  int
	window time.Duration
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

func NewRateLimiter(client *goredis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// AllowSecretAttempt consumes one shared-secret attempt for ip.
func (r *RateLimiter) AllowSecretAttempt(ctx context.Context, ip string) (*RateLimitResult, error) {
	return r.check(ctx, fmt.Sprintf("ratelimit:%s:shared-secret", ip))
}

// ResetSecretAttempts clears the counter after a successful lookup.
func (r *RateLimiter) ResetSecretAttempts(ctx context.Context, ip string) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:%s:shared-secret", ip)).Err()
}

func (r *RateLimiter) check(ctx context.Context, key string) (*RateLimitResult, error) {
	window := int(r.window.Seconds())
	if window < 1 {
		window = 1
	}
	result, err := fixedWindow.Run(ctx, r.client, []string{key}, r.limit, window).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
	}, nil
}
