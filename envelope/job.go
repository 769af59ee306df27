package envelope

import (
	"encoding/json"
	"time"
)

// JobMetadata carries the retry and scheduling hints the processor
// consults before running a handler.
type JobMetadata struct {
	MaxRetries int        `json:"max_retries"`
	RetryCount int        `json:"retry_count"`
	Priority   Priority   `json:"priority"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// WorkerJob is the processor-facing simplified shape of an envelope.
type WorkerJob struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	RunID    string          `json:"run_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Metadata *JobMetadata    `json:"metadata,omitempty"`
}

// ToWorkerJob converts the envelope into the shape the processor
// consumes. RetryCount is the number of attempts already failed.
func (e *Envelope) ToWorkerJob() *WorkerJob {
	return &WorkerJob{
		ID:       e.JobID,
		Type:     e.Type,
		TenantID: e.TenantID,
		RunID:    e.RunID,
		Payload:  e.Payload,
		Metadata: &JobMetadata{
			MaxRetries: e.MaxRetries,
			RetryCount: e.Attempt - 1,
			Priority:   e.Priority,
			Deadline:   e.Deadline,
		},
	}
}

// Status is the terminal outcome of one processing attempt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// JobResult is the outcome of one ProcessJob call. It is produced once
// and never mutated afterward. Cached is true when the result was
// short-circuited from the idempotency store without running a handler.
type JobResult struct {
	Status     Status          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Cached     bool            `json:"cached"`
	DurationMs int64           `json:"duration_ms"`
}
