// Package checkpoint stores opaque progress markers for resumable
// handler work. The processor passes the manager through to handler
// contexts untouched; it never inspects checkpoint contents.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is one saved progress marker within a run.
type Checkpoint struct {
	RunID   string          `json:"run_id"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// Manager is the checkpoint contract handler contexts expose.
type Manager interface {
	// Save stores or replaces a named checkpoint for the run.
	Save(ctx context.Context, runID, name string, data json.RawMessage) error

	// Get retrieves a named checkpoint, or nil if none exists.
	Get(ctx context.Context, runID, name string) (*Checkpoint, error)

	// Delete removes a named checkpoint. Deleting a missing checkpoint
	// is a no-op.
	Delete(ctx context.Context, runID, name string) error

	// List returns all checkpoints for a run, oldest first.
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
}
