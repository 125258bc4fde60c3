package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// promoteDue moves every delayed task whose score is <= now onto the ready list.
var promoteDue = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	for _, v in ipairs(due) do
		redis.call('ZREM', KEYS[1], v)
		redis.call('LPUSH', KEYS[2], v)
	end
	return #due
`)

// reclaim requeues the in-flight tasks of a consumer whose lease has expired
// and forgets the consumer. It returns -1 while the lease is still held.
var reclaim = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return -1
	end
	local moved = 0
	while redis.call('RPOPLPUSH', KEYS[2], KEYS[3]) do
		moved = moved + 1
	end
	redis.call('SREM', KEYS[4], ARGV[1])
	return moved
`)

const defaultLeaseTTL = 30 * time.Second

// RedisQueue keeps ready tasks in a list and delayed tasks in a sorted set
// keyed by due time. Each consumer moves what it dequeues into its own
// processing list and holds a lease on it; tasks of a consumer whose lease
// expired are handed back to the ready list.
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	ready     string
	delayed   string
	consumers string
	consumer  string
	batch     int
	leaseTTL  time.Duration
	clock     func() time.Time

	leased atomic.Bool
}

type RedisOption func(*RedisQueue)

// WithConsumer names this consumer; by default every queue value gets a fresh id.
func WithConsumer(id string) RedisOption {
	return func(q *RedisQueue) { q.consumer = id }
}

func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

func NewRedisQueue(client *redis.Client, name string, opts ...RedisOption) *RedisQueue {
	prefix := "fleet:queue:" + name
	q := &RedisQueue{
		client:    client,
		prefix:    prefix,
		ready:     prefix + ":ready",
		delayed:   prefix + ":delayed",
		consumers: prefix + ":consumers",
		consumer:  uuid.NewString(),
		batch:     100,
		leaseTTL:  defaultLeaseTTL,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.prefix + ":processing:" + consumer
}

func (q *RedisQueue) leaseKey(consumer string) string {
	return q.prefix + ":lease:" + consumer
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.Type, err)
	}
	return q.client.LPush(ctx, q.ready, raw).Err()
}

func (q *RedisQueue) EnqueueIn(ctx context.Context, t Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, t)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.Type, err)
	}
	due := q.clock().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: string(raw)}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if !q.leased.Load() {
		if err := q.RenewLease(ctx); err != nil {
			return nil, fmt.Errorf("take consumer lease: %w", err)
		}
	}
	processing := q.processingKey(q.consumer)

	now := q.clock().UnixMilli()
	if err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.ready}, now, q.batch).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed tasks: %w", err)
	}

	var raw string
	var err error
	if wait <= 0 {
		raw, err = q.client.LMove(ctx, q.ready, processing, "RIGHT", "LEFT").Result()
	} else {
		raw, err = q.client.BLMove(ctx, q.ready, processing, "RIGHT", "LEFT", wait).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// drop undecodable entries so they cannot wedge the worker
		_ = q.client.LRem(ctx, processing, 1, raw).Err()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &Delivery{Task: t, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	return q.client.LRem(ctx, q.processingKey(q.consumer), 1, d.raw).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + delayed.Val(), nil
}

// RenewLease registers this consumer and extends its lease by the lease TTL.
func (q *RedisQueue) RenewLease(ctx context.Context) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.consumers, q.consumer)
	pipe.Set(ctx, q.leaseKey(q.consumer), q.clock().UTC().Format(time.RFC3339), q.leaseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	q.leased.Store(true)
	return nil
}

func (q *RedisQueue) LeaseInterval() time.Duration {
	return q.leaseTTL / 3
}

// Recover hands the in-flight tasks of every consumer whose lease has expired
// back to the ready list. Consumers that still hold a lease keep their tasks.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	members, err := q.client.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, consumer := range members {
		if consumer == q.consumer {
			continue
		}
		keys := []string{q.leaseKey(consumer), q.processingKey(consumer), q.ready, q.consumers}
		n, err := reclaim.Run(ctx, q.client, keys, consumer).Int()
		if err != nil {
			return moved, fmt.Errorf("reclaim tasks of consumer %s: %w", consumer, err)
		}
		if n > 0 {
			moved += n
		}
	}
	return moved, nil
}
