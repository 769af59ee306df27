package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/id"
)

const lockKeyPrefix = "conveyor:runlock:"

func lockKey(runID string) string { return lockKeyPrefix + runID }

// extendScript pushes out the TTL only when the stored holder matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the stored holder matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager on Redis using SET NX PX for
// acquisition and Lua scripts for identity-checked extend and release.
type RedisManager struct {
	client redis.Cmdable
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager creates a lock manager over the given Redis client.
// The caller owns the client lifecycle.
func NewRedisManager(client redis.Cmdable) *RedisManager {
	return &RedisManager{client: client}
}

// TryAcquire takes the run's lock with SET NX PX. On conflict it reads
// the current holder for diagnostics; the read is best-effort since the
// lock may expire between the two commands.
func (r *RedisManager) TryAcquire(ctx context.Context, runID string, opts AcquireOptions) (*AcquireResult, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	holderID := id.NewWorkerID().String()
	key := lockKey(runID)

	ok, err := r.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock/redis: acquire %s: %w", runID, err)
	}
	if !ok {
		existing, getErr := r.client.Get(ctx, key).Result()
		if getErr != nil && getErr != redis.Nil {
			return nil, fmt.Errorf("lock/redis: read holder for %s: %w", runID, getErr)
		}
		return &AcquireResult{Acquired: false, ExistingHolderID: existing}, nil
	}

	now := time.Now().UTC()
	return &AcquireResult{
		Acquired: true,
		Lock: &Lock{
			RunID:      runID,
			HolderID:   holderID,
			Reason:     opts.Reason,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		},
	}, nil
}

// Extend pushes out the TTL of a lock held by holderID.
func (r *RedisManager) Extend(ctx context.Context, runID, holderID string, d time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client,
		[]string{lockKey(runID)}, holderID, d.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lock/redis: extend %s: %w", runID, err)
	}
	return res == 1, nil
}

// Release frees a lock held by holderID.
func (r *RedisManager) Release(ctx context.Context, runID, holderID string) (bool, error) {
	res, err := releaseScript.Run(ctx, r.client,
		[]string{lockKey(runID)}, holderID).Int64()
	if err != nil {
		return false, fmt.Errorf("lock/redis: release %s: %w", runID, err)
	}
	return res == 1, nil
}
