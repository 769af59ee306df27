// Package processor is the reliability core: it runs one broker
// message through a per-message state machine (deadline check, handler
// lookup, idempotency reservation, run-lock acquisition, bounded
// execution, finalize, release) and always resolves to a JobResult.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/checkpoint"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/idempotency"
	"github.com/conveyorhq/conveyor/lock"
	"github.com/conveyorhq/conveyor/middleware"
)

// Processor executes jobs with at-most-once effect. Many instances may
// run concurrently across workers; correctness comes from the
// idempotency store's atomic reservations and the run-scoped locks,
// not from any single-process assumption.
type Processor struct {
	registry    *Registry
	idem        idempotency.Store
	locks       lock.Manager
	checkpoints checkpoint.Manager
	mw          middleware.Middleware
	logger      *slog.Logger

	handlerTimeout        time.Duration
	lockTTL               time.Duration
	recordHandlerFailures bool

	stats counters
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithCheckpoints sets the checkpoint manager passed through to
// handler contexts.
func WithCheckpoints(m checkpoint.Manager) Option {
	return func(p *Processor) { p.checkpoints = m }
}

// WithMiddleware sets the middleware chain wrapping handler execution.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(p *Processor) { p.mw = middleware.Chain(mws...) }
}

// WithHandlerTimeout bounds each handler execution.
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Processor) { p.handlerTimeout = d }
}

// WithLockTTL sets the time box on acquired run locks.
func WithLockTTL(d time.Duration) Option {
	return func(p *Processor) { p.lockTTL = d }
}

// WithRecordHandlerFailures controls whether handler failures are
// written as terminal idempotency records. When false, a failed
// attempt leaves no record, so redelivery runs the handler again.
func WithRecordHandlerFailures(enabled bool) Option {
	return func(p *Processor) { p.recordHandlerFailures = enabled }
}

// New creates a Processor. The registry, idempotency store, and lock
// manager are required collaborators.
func New(registry *Registry, idem idempotency.Store, locks lock.Manager, opts ...Option) *Processor {
	p := &Processor{
		registry:              registry,
		idem:                  idem,
		locks:                 locks,
		mw:                    middleware.Chain(),
		logger:                slog.Default(),
		handlerTimeout:        5 * time.Minute,
		lockTTL:               lock.DefaultTTL,
		recordHandlerFailures: true,
	}
	p.stats.startedAt = time.Now().UTC()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler adds a handler for a job type.
func (p *Processor) RegisterHandler(jobType string, h Handler) {
	p.registry.Register(jobType, h)
}

// Stats returns a snapshot of the running counters.
func (p *Processor) Stats() Stats {
	return p.stats.snapshot()
}

// ProcessJob runs one message through the state machine. It never
// returns an error: every failure resolves into a JobResult.
func (p *Processor) ProcessJob(ctx context.Context, msg *broker.Message) *envelope.JobResult {
	start := time.Now()
	p.stats.processed.Add(1)

	j := msg.Envelope.ToWorkerJob()
	logger := p.logger.With(
		slog.String("job_id", j.ID),
		slog.String("job_type", j.Type),
	)

	// Deadline check: an expired job is skipped before any handler,
	// store, or lock call.
	if j.Metadata != nil && j.Metadata.Deadline != nil && !j.Metadata.Deadline.After(time.Now()) {
		p.stats.skipped.Add(1)
		logger.Warn("job skipped, deadline passed",
			slog.Time("deadline", *j.Metadata.Deadline),
		)
		return p.result(envelope.StatusSkipped, nil, conveyor.ErrDeadlineExceeded.Error(), false, start)
	}

	// Handler lookup: a routing miss is not retried by the processor;
	// redelivery is the broker's call.
	handler, ok := p.registry.Get(j.Type)
	if !ok {
		p.stats.failed.Add(1)
		logger.Error("no handler registered")
		return p.result(envelope.StatusFailed, nil, fmt.Sprintf("Unknown job type: %s", j.Type), false, start)
	}

	// Idempotency reservation. Scope is the run when the job belongs
	// to one, else the tenant.
	scope := j.RunID
	if scope == "" {
		scope = j.TenantID
	}
	key := idempotency.Compute(scope, j.ID, j.Type, j.Payload)

	created, existing, err := p.idem.Begin(ctx, key)
	if err != nil {
		p.stats.failed.Add(1)
		logger.Error("idempotency reservation failed", slog.Any("error", err))
		return p.result(envelope.StatusFailed, nil, "idempotency store error: "+err.Error(), false, start)
	}
	if !created {
		if existing.Terminal() {
			// Done before: short-circuit to the stored outcome without
			// touching the handler or the lock.
			p.stats.cached.Add(1)
			status := envelope.StatusCompleted
			if existing.State == idempotency.StateFailed {
				status = envelope.StatusFailed
			}
			logger.Info("duplicate delivery short-circuited",
				slog.String("state", string(existing.State)),
			)
			return p.result(status, existing.Output, existing.Error, true, start)
		}
		// Another worker holds the reservation right now.
		p.stats.failed.Add(1)
		return p.result(envelope.StatusFailed, nil, conveyor.ErrDuplicateDelivery.Error(), false, start)
	}

	// Run lock. A conflict leaves no idempotency record: the conflict
	// is not evidence the work is done, so the message must stay
	// eligible for later retry.
	var holderID string
	if j.RunID != "" {
		res, lockErr := p.locks.TryAcquire(ctx, j.RunID, lock.AcquireOptions{
			TTL:    p.lockTTL,
			Reason: "job " + j.ID,
		})
		if lockErr != nil {
			p.abandon(ctx, key.String(), logger)
			p.stats.failed.Add(1)
			logger.Error("lock acquire failed", slog.Any("error", lockErr))
			return p.result(envelope.StatusFailed, nil, "lock error: "+lockErr.Error(), false, start)
		}
		if !res.Acquired {
			p.abandon(ctx, key.String(), logger)
			p.stats.lockConflicts.Add(1)
			p.stats.failed.Add(1)
			logger.Info("run lock conflict",
				slog.String("run_id", j.RunID),
				slog.String("holder", res.ExistingHolderID),
			)
			return p.result(envelope.StatusFailed, nil,
				fmt.Sprintf("%s: run %s held by %s", conveyor.ErrLockConflict.Error(), j.RunID, res.ExistingHolderID),
				false, start)
		}
		holderID = res.Lock.HolderID
	}

	output, execErr := p.execute(ctx, j, msg, handler, logger, holderID)

	// Finalize, then release: both run on every exit path past
	// acquisition, regardless of success, handler error, or timeout.
	if execErr != nil {
		if p.recordHandlerFailures {
			if failErr := p.idem.Fail(ctx, key.String(), execErr.Error()); failErr != nil {
				logger.Error("idempotency finalize failed", slog.Any("error", failErr))
			}
		} else {
			p.abandon(ctx, key.String(), logger)
		}
	} else {
		if compErr := p.idem.Complete(ctx, key.String(), output); compErr != nil {
			logger.Error("idempotency finalize failed", slog.Any("error", compErr))
		}
	}

	if holderID != "" {
		if _, relErr := p.locks.Release(ctx, j.RunID, holderID); relErr != nil {
			logger.Error("lock release failed",
				slog.String("run_id", j.RunID),
				slog.Any("error", relErr),
			)
		}
	}

	if execErr != nil {
		p.stats.failed.Add(1)
		return p.result(envelope.StatusFailed, nil, execErr.Error(), false, start)
	}
	p.stats.completed.Add(1)
	return p.result(envelope.StatusCompleted, output, "", false, start)
}

// execute runs the handler through the middleware chain, racing a
// timeout. On timeout the wait is abandoned, not preempted: the
// handler goroutine may still complete, observing ctx cancellation if
// it checks.
func (p *Processor) execute(
	ctx context.Context,
	j *envelope.WorkerJob,
	msg *broker.Message,
	handler Handler,
	logger *slog.Logger,
	holderID string,
) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	jc := &JobContext{
		Logger:       logger,
		MessageID:    msg.ID,
		LockHolderID: holderID,
		Checkpoints:  p.checkpoints,
		runID:        j.RunID,
		locks:        p.locks,
	}

	type outcome struct {
		output []byte
		err    error
	}
	resCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- outcome{err: fmt.Errorf("panic in job %s: %v", j.Type, r)}
			}
		}()
		var output []byte
		terminal := func(hctx context.Context) error {
			out, err := handler(hctx, j, jc)
			if err != nil {
				return err
			}
			output = out
			return nil
		}
		err := p.mw(runCtx, j, terminal)
		resCh <- outcome{output: output, err: err}
	}()

	select {
	case res := <-resCh:
		return res.output, res.err
	case <-runCtx.Done():
		logger.Warn("handler timed out, abandoning wait",
			slog.Duration("timeout", p.handlerTimeout),
		)
		return nil, fmt.Errorf("%w after %s", conveyor.ErrHandlerTimeout, p.handlerTimeout)
	}
}

func (p *Processor) abandon(ctx context.Context, keyString string, logger *slog.Logger) {
	if err := p.idem.Abandon(ctx, keyString); err != nil {
		logger.Error("idempotency abandon failed", slog.Any("error", err))
	}
}

func (p *Processor) result(status envelope.Status, output []byte, errMsg string, cached bool, start time.Time) *envelope.JobResult {
	return &envelope.JobResult{
		Status:     status,
		Output:     output,
		Error:      errMsg,
		Cached:     cached,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
