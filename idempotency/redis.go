package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "conveyor:idem:"

func redisKey(keyString string) string { return keyPrefix + keyString }

// RedisStore implements Store on Redis. Begin uses SETNX so the
// reservation is a single conditional insert; records expire with the
// configured retention so the keyspace does not grow without bound.
//
// Pending reservations get their own shorter TTL: a worker that dies
// between Begin and finalize must not wedge the key until retention,
// or every redelivery would short-circuit on a reservation nobody
// holds. Finalize rewrites the record with the full retention.
type RedisStore struct {
	client     redis.Cmdable
	retention  time.Duration
	pendingTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRetention bounds how long terminal records are kept. Must be at
// least the broker's message retention or dedup breaks for late
// redeliveries. Default 7 days.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.retention = d }
}

// WithPendingTTL bounds how long a pending reservation survives
// without being finalized. Must comfortably exceed the handler
// timeout so a live execution is never expired from under its worker.
// Default 15 minutes.
func WithPendingTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.pendingTTL = d }
}

// NewRedisStore creates an idempotency store over the given Redis
// client. The caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		retention:  7 * 24 * time.Hour,
		pendingTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin atomically creates a pending reservation with SETNX.
func (s *RedisStore) Begin(ctx context.Context, key Key) (bool, *Record, error) {
	ks := key.String()
	record := &Record{
		KeyString: ks,
		Key:       key,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency/redis: marshal record: %w", err)
	}

	created, err := s.client.SetNX(ctx, redisKey(ks), data, s.pendingTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency/redis: begin %s: %w", ks, err)
	}
	if created {
		return true, nil, nil
	}

	existing, err := s.get(ctx, ks)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Complete finalizes a reservation with the handler's output.
func (s *RedisStore) Complete(ctx context.Context, keyString string, output json.RawMessage) error {
	return s.finalize(ctx, keyString, StateCompleted, output, "")
}

// Fail finalizes a reservation with a terminal failure.
func (s *RedisStore) Fail(ctx context.Context, keyString string, errMsg string) error {
	return s.finalize(ctx, keyString, StateFailed, nil, errMsg)
}

func (s *RedisStore) finalize(ctx context.Context, keyString string, state State, output json.RawMessage, errMsg string) error {
	record, err := s.get(ctx, keyString)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("idempotency/redis: no record for key %q", keyString)
	}

	now := time.Now().UTC()
	record.State = state
	record.Output = output
	record.Error = errMsg
	record.CompletedAt = &now

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency/redis: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(keyString), data, s.retention).Err(); err != nil {
		return fmt.Errorf("idempotency/redis: finalize %s: %w", keyString, err)
	}
	return nil
}

// Abandon removes a reservation without recording an outcome.
func (s *RedisStore) Abandon(ctx context.Context, keyString string) error {
	if err := s.client.Del(ctx, redisKey(keyString)).Err(); err != nil {
		return fmt.Errorf("idempotency/redis: abandon %s: %w", keyString, err)
	}
	return nil
}

// Check reads the record for a key without reserving.
func (s *RedisStore) Check(ctx context.Context, key Key) (*Record, error) {
	return s.get(ctx, key.String())
}

func (s *RedisStore) get(ctx context.Context, keyString string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKey(keyString)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency/redis: get %s: %w", keyString, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("idempotency/redis: unmarshal record: %w", err)
	}
	return &record, nil
}
