// Package memory implements the broker contract fully in process, for
// development and tests. The queue is processed serially on a fixed
// poll tick and nacked messages are re-queued at the tail, so this
// backend provides no ordering guarantee across redelivery and must
// not be used to test ordering semantics.
//
// As a convenience the durable backend does not offer, a handler that
// returns without settling gets an automatic ack, and a handler that
// panics gets an automatic nack.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/id"
)

// DefaultPollInterval is the queue tick used when none is configured.
const DefaultPollInterval = 10 * time.Millisecond

// errNacked is recorded in the envelope's retry history when a handler
// rejects a delivery without a more specific cause.
var errNacked = errors.New("delivery nacked by handler")

// Compile-time interface checks.
var (
	_ broker.Publisher  = (*Broker)(nil)
	_ broker.Subscriber = (*Broker)(nil)
)

// queued is one enqueued message with its redelivery bookkeeping.
type queued struct {
	id          string
	data        []byte
	attrs       map[string]string
	publishTime time.Time
	attempts    int
	notBefore   time.Time
}

// Broker is the in-memory backend. One instance serves as both
// Publisher and Subscriber.
type Broker struct {
	logger       *slog.Logger
	pollInterval time.Duration
	backoff      backoff.Strategy

	mu      sync.Mutex
	queue   []*queued
	handler broker.Handler
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPollInterval sets the queue tick.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// WithBackoff delays redelivery of nacked messages by the strategy's
// per-attempt delay. Without it, nacked messages are eligible on the
// next tick.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *Broker) { b.backoff = s }
}

// New creates an empty in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates the envelope and appends it to the queue.
func (b *Broker) Publish(_ context.Context, env *envelope.Envelope) (*broker.PublishResult, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return &broker.PublishResult{Success: false, Err: err}, err
	}
	if _, errs := envelope.Validate(data); errs != nil {
		verr := envelope.ValidationError{Fields: errs}
		return &broker.PublishResult{Success: false, Err: verr}, verr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &broker.PublishResult{Success: false, Err: conveyor.ErrBrokerClosed}, conveyor.ErrBrokerClosed
	}

	msgID := id.NewMessageID().String()
	q := &queued{
		id:          msgID,
		data:        data,
		attrs:       broker.Attributes(env),
		publishTime: time.Now().UTC(),
		attempts:    0,
	}
	if env.DelayUntil != nil {
		q.notBefore = *env.DelayUntil
	}
	b.queue = append(b.queue, q)
	return &broker.PublishResult{MessageID: msgID, Success: true}, nil
}

// PublishBatch publishes each envelope in order. A validation failure
// aborts only that entry.
func (b *Broker) PublishBatch(ctx context.Context, envs []*envelope.Envelope) ([]*broker.PublishResult, error) {
	results := make([]*broker.PublishResult, 0, len(envs))
	for _, env := range envs {
		res, _ := b.Publish(ctx, env)
		results = append(results, res)
	}
	return results, nil
}

// Start begins serial delivery on the poll tick.
func (b *Broker) Start(_ context.Context, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return conveyor.ErrSubscriberRunning
	}
	b.handler = h
	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	go b.deliverLoop()
	return nil
}

// Stop halts delivery and waits for the loop to exit.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the broker closed for publishing. Pending messages are
// dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queue = nil
}

// Len returns the number of queued, undelivered messages.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Broker) deliverLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.deliverNext()
		}
	}
}

// deliverNext pops the queue head and delivers it serially.
func (b *Broker) deliverNext() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	q := b.queue[0]
	b.queue = b.queue[1:]
	if !q.notBefore.IsZero() && q.notBefore.After(time.Now()) {
		// Deferred (delay_until) or still backing off: rotate to the
		// tail and wait for a tick.
		b.queue = append(b.queue, q)
		b.mu.Unlock()
		return
	}
	handler := b.handler
	b.mu.Unlock()

	q.attempts++

	env, errs := envelope.Validate(q.data)
	if errs != nil {
		// Parse or schema failure: immediate nack, handler never runs.
		b.logger.Warn("invalid message nacked",
			slog.String("message_id", q.id),
			slog.Any("errors", errs),
		)
		b.requeue(q, envelope.ValidationError{Fields: errs})
		return
	}

	msg := broker.NewMessage(
		q.id, env, q.data, q.attrs, q.publishTime, q.attempts,
		func(context.Context) error { return nil },
		func(context.Context) error { b.requeue(q, errNacked); return nil },
	)

	b.invoke(handler, msg)

	// Auto-settle: clean return acks, panic nacks.
	if !msg.Settled() {
		_ = msg.Ack(context.Background())
	}
}

func (b *Broker) invoke(handler broker.Handler, msg *broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked, nacking",
				slog.String("message_id", msg.ID),
				slog.Any("panic", r),
			)
			if !msg.Settled() {
				_ = msg.Nack(context.Background())
			}
		}
	}()

	if handler == nil {
		panic(fmt.Sprintf("memory broker delivering %s with no handler", msg.ID))
	}
	handler(context.Background(), msg)
}

// requeue puts a message back at the queue tail for redelivery,
// rewriting the envelope's retry bookkeeping so the next delivery
// carries the incremented attempt and the failure that caused it.
func (b *Broker) requeue(q *queued, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if env, errs := envelope.Validate(q.data); errs == nil {
		env.AddRetryAttempt(cause)
		if data, err := json.Marshal(env); err == nil {
			q.data = data
			q.attrs = broker.Attributes(env)
		}
	}
	if b.backoff != nil {
		q.notBefore = time.Now().Add(b.backoff.Delay(q.attempts))
	}
	b.queue = append(b.queue, q)
}
