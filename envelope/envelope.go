// Package envelope defines the wire-level job contract: the versioned
// envelope schema, its validation, and the retry bookkeeping helpers
// the broker and processor rewrite on redelivery.
//
// An envelope is created once by a producer and is immutable except for
// the retry fields (Attempt, PreviousAttempts).
package envelope

import (
	"encoding/json"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// DefaultMaxRetries is applied when a producer does not set MaxRetries.
const DefaultMaxRetries = 3

// Priority orders jobs relative to each other. Delivery order within a
// priority class is otherwise unspecified.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// PreviousAttempt records one failed processing attempt, oldest first.
type PreviousAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the wire-level unit of work. The invariant maintained by
// AddRetryAttempt: Attempt strictly increases by exactly one per retry,
// and each increment appends exactly one PreviousAttempts entry
// describing the attempt being retried.
type Envelope struct {
	Version        int             `json:"version"`
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	RunID          string          `json:"run_id"`
	StepID         string          `json:"step_id,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxRetries     int             `json:"max_retries"`
	TraceID        string          `json:"trace_id"`
	SpanID         string          `json:"span_id,omitempty"`
	Priority       Priority        `json:"priority"`
	OrderingKey    string          `json:"ordering_key,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	DelayUntil     *time.Time      `json:"delay_until,omitempty"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	PreviousAttempts []PreviousAttempt `json:"previous_attempts,omitempty"`
}

// Params holds the producer-supplied inputs for New. JobID, TenantID,
// RunID, Type, Payload, TraceID and Source are required.
type Params struct {
	JobID          string
	TenantID       string
	RunID          string
	StepID         string
	Type           string
	Payload        json.RawMessage
	TraceID        string
	SpanID         string
	Source         string
	Priority       Priority
	OrderingKey    string
	MaxRetries     int
	Deadline       *time.Time
	DelayUntil     *time.Time
	IdempotencyKey string
}

// New builds a valid envelope with Attempt=1 and a current timestamp.
// Missing optional fields get defaults: MaxRetries=3, Priority=normal.
func New(p Params) (*Envelope, error) {
	e := &Envelope{
		Version:        SchemaVersion,
		JobID:          p.JobID,
		TenantID:       p.TenantID,
		RunID:          p.RunID,
		StepID:         p.StepID,
		Attempt:        1,
		MaxRetries:     p.MaxRetries,
		TraceID:        p.TraceID,
		SpanID:         p.SpanID,
		Priority:       p.Priority,
		OrderingKey:    p.OrderingKey,
		Deadline:       p.Deadline,
		DelayUntil:     p.DelayUntil,
		Type:           p.Type,
		Payload:        p.Payload,
		CreatedAt:      time.Now().UTC(),
		Source:         p.Source,
		IdempotencyKey: p.IdempotencyKey,
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if errs := e.check(); len(errs) > 0 {
		return nil, ValidationError{Fields: errs}
	}
	return e, nil
}

// AddRetryAttempt records the failure of the current attempt and
// advances the envelope to the next one. It appends exactly one
// PreviousAttempts entry for the attempt just failed and increments
// Attempt by exactly one.
func (e *Envelope) AddRetryAttempt(attemptErr error) {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	e.PreviousAttempts = append(e.PreviousAttempts, PreviousAttempt{
		Attempt:   e.Attempt,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	})
	e.Attempt++
}

// RetryExceeded reports whether the envelope has passed its retry budget.
func (e *Envelope) RetryExceeded() bool {
	return e.Attempt > e.MaxRetries
}

// DeadlineExpired reports whether the envelope's absolute deadline has
// passed. Envelopes without a deadline never expire.
func (e *Envelope) DeadlineExpired(now time.Time) bool {
	return e.Deadline != nil && now.After(*e.Deadline)
}

// ShouldDelay reports whether the envelope is deferred past now.
func (e *Envelope) ShouldDelay(now time.Time) bool {
	return e.DelayUntil != nil && now.Before(*e.DelayUntil)
}

// RemainingDelay returns how long the envelope must still wait before
// execution, or zero if it is eligible now.
func (e *Envelope) RemainingDelay(now time.Time) time.Duration {
	if e.DelayUntil == nil {
		return 0
	}
	d := e.DelayUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// NewJobID returns a fresh TypeID-formatted job identifier for
// producers that do not carry their own.
func NewJobID() string { return id.NewJobID().String() }
