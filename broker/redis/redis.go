// Package redis implements the broker contract on Redis Streams.
//
// Messages are appended with XADD and consumed through a consumer
// group, so acknowledged entries are never redelivered and entries
// whose consumer died stay in the pending list until the reclaim loop
// picks them up with XAUTOCLAIM. Nack is deliberately a no-op on this
// backend: the entry remains pending and redelivery happens once the
// ack deadline passes, which is what gives crashed consumers and
// explicit rejections the same recovery path.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/flow"
	"github.com/conveyorhq/conveyor/id"
)

const (
	// fieldData holds the serialized envelope inside a stream entry.
	fieldData = "data"

	defaultReadCount = 16
	defaultBlock     = 2 * time.Second
)

// Compile-time interface checks.
var (
	_ broker.Publisher  = (*Broker)(nil)
	_ broker.Subscriber = (*Broker)(nil)
)

// Broker publishes to and subscribes from one Redis stream.
type Broker struct {
	rdb            redis.UniversalClient
	logger         *slog.Logger
	topic          string
	group          string
	consumer       string
	maxOutstanding int
	ackDeadline    time.Duration
	retention      time.Duration
	ordering       bool
	flowMgr        *flow.Manager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// handlerCtx is detached from the loop cancellation so Stop can
	// wait for in-flight handlers instead of cancelling them mid-run.
	handlerCtx context.Context

	// outstanding bounds concurrently dispatched messages.
	outstanding chan struct{}
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(b *Broker) { b.group = group }
}

// WithMaxOutstanding bounds concurrently dispatched messages.
func WithMaxOutstanding(n int) Option {
	return func(b *Broker) { b.maxOutstanding = n }
}

// WithAckDeadline sets the pending idle time after which an entry is
// reclaimed and redelivered.
func WithAckDeadline(d time.Duration) Option {
	return func(b *Broker) { b.ackDeadline = d }
}

// WithRetention trims the stream to entries younger than d.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) { b.retention = d }
}

// WithOrdering tags published entries with the envelope's ordering key
// so downstream consumers can partition by it.
func WithOrdering(enabled bool) Option {
	return func(b *Broker) { b.ordering = enabled }
}

// WithFlowManager gates dispatch through per-topic and per-tenant
// concurrency and rate limits.
func WithFlowManager(fm *flow.Manager) Option {
	return func(b *Broker) { b.flowMgr = fm }
}

// New creates a broker over the given client and stream key.
func New(rdb redis.UniversalClient, topic string, opts ...Option) *Broker {
	b := &Broker{
		rdb:            rdb,
		logger:         slog.Default(),
		topic:          topic,
		group:          "conveyor-workers",
		consumer:       id.NewWorkerID().String(),
		maxOutstanding: 10,
		ackDeadline:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish validates the envelope and appends it to the stream.
func (b *Broker) Publish(ctx context.Context, env *envelope.Envelope) (*broker.PublishResult, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return &broker.PublishResult{Success: false, Err: err}, err
	}
	if _, errs := envelope.Validate(data); errs != nil {
		verr := envelope.ValidationError{Fields: errs}
		return &broker.PublishResult{Success: false, Err: verr}, verr
	}

	values := map[string]any{fieldData: string(data)}
	for k, v := range broker.Attributes(env) {
		values[k] = v
	}
	if b.ordering && env.OrderingKey != "" {
		values[broker.AttrOrdering] = env.OrderingKey
	}

	args := &redis.XAddArgs{
		Stream: b.topic,
		Values: values,
	}
	if b.retention > 0 {
		args.MinID = formatMinID(time.Now().Add(-b.retention))
		args.Approx = true
	}

	msgID, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return &broker.PublishResult{Success: false, Err: err}, fmt.Errorf("conveyor: xadd to %s: %w", b.topic, err)
	}
	return &broker.PublishResult{MessageID: msgID, Success: true}, nil
}

// PublishBatch appends each envelope in order. A failure aborts only
// that entry.
func (b *Broker) PublishBatch(ctx context.Context, envs []*envelope.Envelope) ([]*broker.PublishResult, error) {
	results := make([]*broker.PublishResult, 0, len(envs))
	for _, env := range envs {
		res, _ := b.Publish(ctx, env)
		results = append(results, res)
	}
	return results, nil
}

// Start creates the consumer group if needed and begins the read and
// reclaim loops.
func (b *Broker) Start(ctx context.Context, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return conveyor.ErrSubscriberRunning
	}

	err := b.rdb.XGroupCreateMkStream(ctx, b.topic, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("conveyor: create group %s on %s: %w", b.group, b.topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true
	b.handlerCtx = context.WithoutCancel(ctx)
	b.outstanding = make(chan struct{}, b.maxOutstanding)

	b.wg.Add(2)
	go b.readLoop(loopCtx, h)
	go b.reclaimLoop(loopCtx, h)
	return nil
}

// Stop halts the loops and waits for in-flight dispatches, bounded by
// the context deadline.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.cancel()
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

// readLoop consumes fresh entries for this consumer.
func (b *Broker) readLoop(ctx context.Context, h broker.Handler) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.topic, ">"},
			Count:    defaultReadCount,
			Block:    defaultBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("stream read failed",
				slog.String("topic", b.topic),
				slog.Any("error", err),
			)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.dispatch(ctx, h, entry, 1)
			}
		}
	}
}

// reclaimLoop redelivers entries pending past the ack deadline.
func (b *Broker) reclaimLoop(ctx context.Context, h broker.Handler) {
	defer b.wg.Done()

	interval := b.ackDeadline / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaimOnce(ctx, h)
		}
	}
}

func (b *Broker) reclaimOnce(ctx context.Context, h broker.Handler) {
	start := "0-0"
	for {
		entries, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.topic,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.ackDeadline,
			Start:    start,
			Count:    defaultReadCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("reclaim failed",
					slog.String("topic", b.topic),
					slog.Any("error", err),
				)
			}
			return
		}
		if len(entries) == 0 {
			return
		}

		counts := b.deliveryCounts(ctx, entries)
		for _, entry := range entries {
			attempt := counts[entry.ID]
			if attempt < 2 {
				// A reclaimed entry has by definition been delivered before.
				attempt = 2
			}
			b.dispatch(ctx, h, entry, attempt)
		}

		if next == "0-0" {
			return
		}
		start = next
	}
}

// deliveryCounts looks up per-entry delivery counts from the pending
// entries list.
func (b *Broker) deliveryCounts(ctx context.Context, entries []redis.XMessage) map[string]int {
	counts := make(map[string]int, len(entries))
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.topic,
		Group:  b.group,
		Start:  entries[0].ID,
		End:    entries[len(entries)-1].ID,
		Count:  int64(len(entries)),
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = int(p.RetryCount)
	}
	return counts
}

// dispatch converts a stream entry to a broker message and hands it to
// the handler, bounded by the outstanding semaphore and flow limits.
func (b *Broker) dispatch(ctx context.Context, h broker.Handler, entry redis.XMessage, attempt int) {
	select {
	case b.outstanding <- struct{}{}:
	case <-ctx.Done():
		return
	}

	msg, err := b.toMessage(entry, attempt)
	if err != nil {
		// Undecodable entry: ack it off the stream so it cannot wedge
		// the pending list. The quarantine path has already seen it if
		// it ever parsed.
		b.logger.Warn("dropping undecodable stream entry",
			slog.String("entry_id", entry.ID),
			slog.Any("error", err),
		)
		_ = b.rdb.XAck(ctx, b.topic, b.group, entry.ID).Err()
		<-b.outstanding
		return
	}

	tenantID := msg.Envelope.TenantID
	if b.flowMgr != nil && !b.flowMgr.Admit(b.topic, tenantID) {
		// Over the concurrency or rate limit: leave the entry pending
		// for the reclaim loop.
		<-b.outstanding
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.outstanding }()
		if b.flowMgr != nil {
			defer b.flowMgr.Done(b.topic, tenantID)
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panicked",
					slog.String("entry_id", entry.ID),
					slog.Any("panic", r),
				)
			}
		}()
		h(b.handlerCtx, msg)
	}()
}

// toMessage decodes a stream entry into a broker message.
func (b *Broker) toMessage(entry redis.XMessage, attempt int) (*broker.Message, error) {
	raw, ok := entry.Values[fieldData].(string)
	if !ok {
		return nil, fmt.Errorf("conveyor: stream entry %s has no %s field", entry.ID, fieldData)
	}

	env, errs := envelope.Validate([]byte(raw))
	if errs != nil {
		return nil, envelope.ValidationError{Fields: errs}
	}

	attrs := make(map[string]string, len(entry.Values)-1)
	for k, v := range entry.Values {
		if k == fieldData {
			continue
		}
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}

	entryID := entry.ID
	ack := func(ctx context.Context) error {
		return b.rdb.XAck(ctx, b.topic, b.group, entryID).Err()
	}
	// Nack leaves the entry pending; the reclaim loop redelivers it
	// once the ack deadline passes.
	nack := func(ctx context.Context) error { return nil }

	return broker.NewMessage(
		entryID, env, []byte(raw), attrs,
		publishTimeFromID(entryID), attempt,
		ack, nack,
	), nil
}

// formatMinID renders a stream ID cutoff for XADD MINID trimming.
func formatMinID(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}

// publishTimeFromID recovers the publish time from the stream entry
// ID, whose first component is a millisecond timestamp.
func publishTimeFromID(entryID string) time.Time {
	var ms int64
	if _, err := fmt.Sscanf(entryID, "%d-", &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
