// Package lock provides run-scoped, time-boxed mutual-exclusion locks.
// The processor acquires a run's lock before invoking a handler so no
// two workers execute work belonging to the same run concurrently.
// Extend and Release are identity-checked: a worker can only touch a
// lock it holds.
package lock

import (
	"context"
	"time"
)

// DefaultTTL is applied when AcquireOptions.TTL is zero.
const DefaultTTL = 2 * time.Minute

// AcquireOptions configures one TryAcquire call.
type AcquireOptions struct {
	// TTL is the time box on the lock. Zero means DefaultTTL.
	TTL time.Duration
	// Reason records why the lock was taken, for diagnostics.
	Reason string
}

// Lock describes a held lock.
type Lock struct {
	RunID      string    `json:"run_id"`
	HolderID   string    `json:"holder_id"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireResult reports the outcome of TryAcquire. On conflict,
// Acquired is false and ExistingHolderID names the current holder when
// the backend can report it.
type AcquireResult struct {
	Acquired         bool
	Lock             *Lock
	ExistingHolderID string
}

// Manager is the run-lock contract the processor consumes.
type Manager interface {
	// TryAcquire attempts to take the run's lock without blocking.
	TryAcquire(ctx context.Context, runID string, opts AcquireOptions) (*AcquireResult, error)

	// Extend pushes out the expiry of a held lock. Returns false when
	// the lock is not held by holderID (expired, released, or stolen).
	Extend(ctx context.Context, runID, holderID string, d time.Duration) (bool, error)

	// Release frees a held lock. Returns false when the lock is not
	// held by holderID; releasing someone else's lock is impossible.
	Release(ctx context.Context, runID, holderID string) (bool, error)
}
