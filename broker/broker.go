// Package broker defines the message broker abstraction: a publisher
// that validates and sends job envelopes with routing attributes, and a
// subscriber that delivers them to one handler with explicit ack/nack.
// Two interchangeable backends exist: broker/redis (durable,
// production) and broker/memory (development and tests).
//
// Delivery is at-least-once on both backends. The handler, not the
// broker, owns the ack/nack decision.
package broker

import (
	"context"
	"strconv"

	"github.com/conveyorhq/conveyor/envelope"
)

// PublishResult reports the outcome of publishing one envelope.
type PublishResult struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Err       error  `json:"-"`
}

// Publisher sends validated envelopes to the job topic.
type Publisher interface {
	// Publish validates the envelope and sends it. Invalid envelopes
	// are never sent; the returned error is an envelope.ValidationError
	// and the result carries Success=false.
	Publish(ctx context.Context, env *envelope.Envelope) (*PublishResult, error)

	// PublishBatch publishes each envelope in order, collecting one
	// result per input. A validation failure aborts only that entry.
	PublishBatch(ctx context.Context, envs []*envelope.Envelope) ([]*PublishResult, error)
}

// Handler receives one delivered message. It must settle the message by
// calling exactly one of Ack or Nack. The in-memory backend forgives a
// handler that returns without settling (auto-ack on clean return,
// auto-nack on panic); the durable backend does not: an unsettled
// message simply expires and redelivers.
type Handler func(ctx context.Context, msg *Message)

// Subscriber delivers messages to one registered handler.
type Subscriber interface {
	// Start begins delivery. It returns an error if already started.
	Start(ctx context.Context, h Handler) error

	// Stop halts delivery and waits for in-flight handlers to settle,
	// bounded by the context deadline.
	Stop(ctx context.Context) error
}

// Routing attribute names carried as message metadata alongside the
// body, so consumers can filter without deserializing.
const (
	AttrJobID    = "job_id"
	AttrTenantID = "tenant_id"
	AttrRunID    = "run_id"
	AttrStepID   = "step_id"
	AttrType     = "type"
	AttrPriority = "priority"
	AttrAttempt  = "attempt"
	AttrTraceID  = "trace_id"
	AttrSpanID   = "span_id"
	AttrSource   = "source"
	AttrOrdering = "ordering_key"
)

// Attributes builds the routing attributes for an envelope. Optional
// fields are omitted when empty.
func Attributes(env *envelope.Envelope) map[string]string {
	attrs := map[string]string{
		AttrJobID:    env.JobID,
		AttrTenantID: env.TenantID,
		AttrRunID:    env.RunID,
		AttrType:     env.Type,
		AttrPriority: string(env.Priority),
		AttrAttempt:  strconv.Itoa(env.Attempt),
		AttrTraceID:  env.TraceID,
	}
	if env.StepID != "" {
		attrs[AttrStepID] = env.StepID
	}
	if env.SpanID != "" {
		attrs[AttrSpanID] = env.SpanID
	}
	if env.Source != "" {
		attrs[AttrSource] = env.Source
	}
	return attrs
}
