package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle state of an idempotency record.
type State string

const (
	// StatePending marks a reservation: a worker is executing the
	// operation right now.
	StatePending State = "pending"
	// StateCompleted holds the successful output for dedup reads.
	StateCompleted State = "completed"
	// StateFailed holds a terminal handler failure. Redeliveries are
	// short-circuited to it (deterministic-failure dedup).
	StateFailed State = "failed"
)

// Record is one idempotency entry.
type Record struct {
	KeyString   string          `json:"key_string"`
	Key         Key             `json:"key"`
	State       State           `json:"state"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the record carries a final outcome.
func (r *Record) Terminal() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

// Store is the idempotency contract the processor consumes.
type Store interface {
	// Begin atomically creates a pending reservation for the key. When
	// a record already exists, pending or terminal, created is false
	// and existing carries it. This single conditional insert is what
	// makes the check race-free under concurrent deliveries.
	Begin(ctx context.Context, key Key) (created bool, existing *Record, err error)

	// Complete finalizes a reservation with the handler's output,
	// enabling future dedup reads.
	Complete(ctx context.Context, keyString string, output json.RawMessage) error

	// Fail finalizes a reservation with a terminal failure.
	Fail(ctx context.Context, keyString string, errMsg string) error

	// Abandon removes a reservation without recording an outcome. Used
	// when the worker could not execute at all (lock conflict), so the
	// message stays eligible for retry.
	Abandon(ctx context.Context, keyString string) error

	// Check reads the record for a key without reserving. A terminal
	// record means the operation is done and redelivery must skip.
	Check(ctx context.Context, key Key) (*Record, error)
}
