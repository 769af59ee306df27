package dlq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// RecordParams carries the context of a quarantine decision.
type RecordParams struct {
	MessageID       string
	JobID           string
	TenantID        string
	RunID           string
	RawPayload      []byte
	Err             error
	Stack           string
	Decision        Decision
	DeliveryAttempt int
	FirstReceivedAt *time.Time
	Subscription    string
}

// Recorder persists poison messages and tracks quarantine metrics.
// Record never panics and never propagates store failures to the
// message-handling path; a quarantine write that fails is logged and
// counted, not retried.
type Recorder struct {
	store  Store
	logger *slog.Logger

	recorded    atomic.Int64
	writeErrors atomic.Int64
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record builds a PoisonMessage (truncating the raw payload) and
// persists it. The returned record has its ID populated; nil is
// returned only when the store write failed.
func (r *Recorder) Record(ctx context.Context, p RecordParams) *PoisonMessage {
	raw, truncated := truncatePayload(p.RawPayload)

	errText := ""
	if p.Err != nil {
		errText = p.Err.Error()
	}

	msg := &PoisonMessage{
		ID:              id.NewPoisonID(),
		MessageID:       p.MessageID,
		JobID:           p.JobID,
		TenantID:        p.TenantID,
		RunID:           p.RunID,
		RawPayload:      raw,
		Truncated:       truncated,
		Error:           errText,
		Stack:           p.Stack,
		Classification:  p.Decision,
		DeliveryAttempt: p.DeliveryAttempt,
		FirstReceivedAt: p.FirstReceivedAt,
		QuarantinedAt:   time.Now().UTC(),
		Subscription:    p.Subscription,
	}

	if err := r.store.PushPoison(ctx, msg); err != nil {
		r.writeErrors.Add(1)
		r.logger.Error("failed to persist poison message",
			slog.String("message_id", p.MessageID),
			slog.String("job_id", p.JobID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	r.recorded.Add(1)
	r.logger.Warn("message quarantined",
		slog.String("poison_id", msg.ID.String()),
		slog.String("message_id", p.MessageID),
		slog.String("job_id", p.JobID),
		slog.String("tenant_id", p.TenantID),
		slog.String("classification", string(p.Decision.Classification)),
		slog.String("reason", p.Decision.Reason),
		slog.Int("delivery_attempt", p.DeliveryAttempt),
	)
	return msg
}

// Recorded returns how many poison messages have been persisted.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// WriteErrors returns how many quarantine writes have failed.
func (r *Recorder) WriteErrors() int64 { return r.writeErrors.Load() }

// Store returns the underlying quarantine store for operator access
// to List, Get, Clear, Purge, and Count.
func (r *Recorder) Store() Store { return r.store }
