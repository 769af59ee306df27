package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/checkpoint"
	"github.com/conveyorhq/conveyor/dlq"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/flow"
	"github.com/conveyorhq/conveyor/idempotency"
	"github.com/conveyorhq/conveyor/lock"
	mw "github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/observability"
	"github.com/conveyorhq/conveyor/processor"
)

// Engine is one fully wired conveyor instance.
type Engine struct {
	cfg    conveyor.Config
	logger *slog.Logger

	backends    *Backends
	proc        *processor.Processor
	registry    *processor.Registry
	classifier  *dlq.Classifier
	recorder    *dlq.Recorder
	idem        idempotency.Store
	locks       lock.Manager
	checkpoints checkpoint.Manager
	poisonStore dlq.Store
	flowMgr     *flow.Manager
	flowConfigs []flow.Config
	mws         []mw.Middleware
	observer    *observability.Observer

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger shared by all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMiddleware appends middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithPoisonStore sets the quarantine store. Defaults to in-memory;
// production deployments pass the pgx-backed store.
func WithPoisonStore(s dlq.Store) Option {
	return func(e *Engine) { e.poisonStore = s }
}

// WithLockManager overrides the run-lock backend.
func WithLockManager(m lock.Manager) Option {
	return func(e *Engine) { e.locks = m }
}

// WithIdempotencyStore overrides the idempotency backend.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(e *Engine) { e.idem = s }
}

// WithCheckpointManager sets the checkpoint backend passed through to
// handler contexts.
func WithCheckpointManager(m checkpoint.Manager) Option {
	return func(e *Engine) { e.checkpoints = m }
}

// WithFlowConfig registers per-topic flow control. Topics not listed
// have no limits.
func WithFlowConfig(configs ...flow.Config) Option {
	return func(e *Engine) { e.flowConfigs = append(e.flowConfigs, configs...) }
}

// WithBackends overrides the broker pair, bypassing the factory.
func WithBackends(b *Backends) Option {
	return func(e *Engine) { e.backends = b }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set,
// the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New constructs a fully wired engine from the config. Backends not
// overridden by options follow the broker selection: Redis when
// RedisAddr is set, in-memory otherwise.
func New(cfg conveyor.Config, opts ...Option) (*Engine, error) {
	if cfg.Topic == "" {
		return nil, errors.New("conveyor: config has no topic")
	}

	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: processor.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if len(e.flowConfigs) > 0 {
		e.flowMgr = flow.NewManager(e.flowConfigs...)
	}

	if e.backends == nil {
		e.backends = NewBroker(cfg, e.logger, e.flowMgr)
	}

	// Store backends default to the same strategy as the broker.
	if e.idem == nil {
		if e.backends.Redis != nil {
			e.idem = idempotency.NewRedisStore(e.backends.Redis,
				idempotency.WithRetention(cfg.MessageRetention),
				idempotency.WithPendingTTL(2*cfg.HandlerTimeout))
		} else {
			e.idem = idempotency.NewMemoryStore()
		}
	}
	if e.locks == nil {
		if e.backends.Redis != nil {
			e.locks = lock.NewRedisManager(e.backends.Redis)
		} else {
			e.locks = lock.NewMemoryManager()
		}
	}
	if e.checkpoints == nil {
		e.checkpoints = checkpoint.NewMemoryManager()
	}
	if e.poisonStore == nil {
		e.poisonStore = dlq.NewMemoryStore()
	}

	e.classifier = dlq.NewClassifier(dlq.WithMaxDeliveryAttempts(cfg.MaxDeliveryAttempts))
	e.recorder = dlq.NewRecorder(e.poisonStore, e.logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/conveyorhq/conveyor"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/conveyorhq/conveyor"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack, outermost first: recover, tracing, metrics,
	// logging, tenant, deadline, then user middleware. Deadline sits
	// innermost so the
	// handler context is capped at the job's absolute deadline; the
	// processor already skips jobs whose deadline has passed before the
	// chain runs.
	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Tenant(),
		mw.Deadline(e.logger),
	}
	allMws = append(allMws, e.mws...)

	processor.RegisterBuiltins(e.registry)
	e.proc = processor.New(e.registry, e.idem, e.locks,
		processor.WithLogger(e.logger),
		processor.WithCheckpoints(e.checkpoints),
		processor.WithMiddleware(allMws...),
		processor.WithHandlerTimeout(cfg.HandlerTimeout),
		processor.WithLockTTL(cfg.LockTTL),
		processor.WithRecordHandlerFailures(cfg.RecordHandlerFailures),
	)

	// Export processor counters through observable instruments.
	var obs *observability.Observer
	var obsErr error
	if e.meterProvider != nil {
		obs, obsErr = observability.NewObserverWithMeter(
			e.meterProvider.Meter("github.com/conveyorhq/conveyor/observability"), e.proc)
	} else {
		obs, obsErr = observability.NewObserver(e.proc)
	}
	if obsErr != nil {
		e.logger.Warn("processor metrics unavailable", slog.Any("error", obsErr))
	} else {
		e.observer = obs
	}

	return e, nil
}

// RegisterHandler adds a handler for a job type.
func (e *Engine) RegisterHandler(jobType string, h processor.Handler) {
	e.registry.Register(jobType, h)
}

// Enqueue builds, validates, and publishes a job envelope.
func (e *Engine) Enqueue(ctx context.Context, p envelope.Params) (*broker.PublishResult, error) {
	env, err := envelope.New(p)
	if err != nil {
		return nil, err
	}
	return e.backends.Publisher.Publish(ctx, env)
}

// Publish sends an already-built envelope.
func (e *Engine) Publish(ctx context.Context, env *envelope.Envelope) (*broker.PublishResult, error) {
	return e.backends.Publisher.Publish(ctx, env)
}

// Start subscribes the processing pipeline to the broker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return conveyor.ErrSubscriberRunning
	}
	if err := e.backends.Subscriber.Start(ctx, e.handleMessage); err != nil {
		return err
	}
	e.started = true

	e.logger.Info("engine started",
		slog.String("topic", e.cfg.Topic),
		slog.String("group", e.cfg.SubscriberGroup),
		slog.Bool("durable", e.backends.Redis != nil),
	)
	return nil
}

// handleMessage is the subscriber pipeline: poison pre-check, process,
// then settle according to the result and the classifier's decision.
func (e *Engine) handleMessage(ctx context.Context, msg *broker.Message) {
	if poison, reason := dlq.IsPoisonPayload(msg.Raw); poison {
		e.quarantine(ctx, msg, fmt.Errorf("poison payload: %s", reason), dlq.Decision{
			Classification: dlq.ClassPoison,
			ShouldRetry:    false,
			Reason:         reason,
			Action:         dlq.ActionDLQ,
		})
		e.settle(ctx, msg, true)
		return
	}

	if msg.Envelope.ShouldDelay(time.Now()) {
		// Deferred job: nack without processing so the broker
		// redelivers once delay_until has passed.
		e.settle(ctx, msg, false)
		return
	}

	res := e.proc.ProcessJob(ctx, msg)
	if res.Status != envelope.StatusFailed {
		e.settle(ctx, msg, true)
		return
	}

	decision := e.classifier.Classify(errors.New(res.Error), msg.DeliveryAttempt)
	if decision.ShouldRetry {
		// The envelope's own retry budget caps redelivery before the
		// classifier's delivery ceiling does. DeliveryAttempt stands in
		// for Attempt on backends that redeliver the original bytes.
		if msg.Envelope.RetryExceeded() || msg.DeliveryAttempt > msg.Envelope.MaxRetries {
			e.quarantine(ctx, msg, conveyor.ErrRetriesExhausted, dlq.Decision{
				Classification: dlq.ClassPoison,
				ShouldRetry:    false,
				Reason:         fmt.Sprintf("retry budget %d exhausted", msg.Envelope.MaxRetries),
				Action:         dlq.ActionDLQ,
			})
			e.settle(ctx, msg, true)
			return
		}
		// Transient: leave redelivery and backoff to the broker.
		e.settle(ctx, msg, false)
		return
	}

	// Permanent or poison: quarantine, then ack so the broker stops
	// redelivering.
	e.quarantine(ctx, msg, errors.New(res.Error), decision)
	e.settle(ctx, msg, true)
}

func (e *Engine) quarantine(ctx context.Context, msg *broker.Message, cause error, decision dlq.Decision) {
	params := dlq.RecordParams{
		MessageID:       msg.ID,
		RawPayload:      msg.Raw,
		Err:             cause,
		Decision:        decision,
		DeliveryAttempt: msg.DeliveryAttempt,
		Subscription:    e.cfg.SubscriberGroup,
	}
	if msg.Envelope != nil {
		params.JobID = msg.Envelope.JobID
		params.TenantID = msg.Envelope.TenantID
		params.RunID = msg.Envelope.RunID
	}
	e.recorder.Record(ctx, params)
}

func (e *Engine) settle(ctx context.Context, msg *broker.Message, ack bool) {
	var err error
	if ack {
		err = msg.Ack(ctx)
	} else {
		err = msg.Nack(ctx)
	}
	if err != nil && !errors.Is(err, conveyor.ErrAlreadySettled) {
		e.logger.Error("message settle failed",
			slog.String("message_id", msg.ID),
			slog.Bool("ack", ack),
			slog.Any("error", err),
		)
	}
}

// ReplayPoison re-publishes a quarantined message with reset retry
// bookkeeping and clears its record.
func (e *Engine) ReplayPoison(ctx context.Context, poisonID string) (*envelope.Envelope, error) {
	return e.recorder.Replay(ctx, poisonID, republisher{e.backends.Publisher})
}

// republisher adapts broker.Publisher to the dlq replay contract.
type republisher struct {
	pub broker.Publisher
}

func (r republisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	res, err := r.pub.Publish(ctx, env)
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Err
	}
	return nil
}

// Stats returns the processor's counter snapshot.
func (e *Engine) Stats() processor.Stats {
	return e.proc.Stats()
}

// Processor exposes the processor for direct use in tests and tools.
func (e *Engine) Processor() *processor.Processor { return e.proc }

// Recorder exposes the quarantine recorder.
func (e *Engine) Recorder() *dlq.Recorder { return e.recorder }

// PoisonStore exposes the quarantine store for operator queries.
func (e *Engine) PoisonStore() dlq.Store { return e.poisonStore }

// FlowManager returns the flow manager, or nil when no flow configs
// were provided.
func (e *Engine) FlowManager() *flow.Manager { return e.flowMgr }

// Close stops the subscriber and releases owned resources.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.observer != nil {
		if err := e.observer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.started {
		if err := e.backends.Subscriber.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		e.started = false
	}
	if e.backends.Redis != nil {
		if err := e.backends.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// marshalPayload is a convenience for callers enqueueing typed
// payloads.
func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("conveyor: marshal payload: %w", err)
	}
	return data, nil
}

// EnqueueTyped marshals the payload and enqueues the job.
func EnqueueTyped[T any](ctx context.Context, e *Engine, p envelope.Params, payload T) (*broker.PublishResult, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	p.Payload = data
	return e.Enqueue(ctx, p)
}
