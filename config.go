package conveyor

import "time"

// Config holds the shared configuration for the conveyor engine. Broker
// policy constants here are advisory: the underlying broker's native
// redelivery policy must be configured to match (the DLQ classifier
// advises but does not enforce redelivery timing).
type Config struct {
	// Topic is the broker topic jobs are published to and consumed from.
	Topic string

	// RedisAddr selects the durable Redis Streams backend when set.
	// Empty means the in-memory backend.
	RedisAddr string

	// SubscriberGroup names the consumer group on durable backends.
	SubscriberGroup string

	// MaxOutstanding limits concurrently in-flight messages per
	// subscriber on the durable backend. The in-memory backend is
	// serial and ignores it.
	MaxOutstanding int

	// HandlerTimeout bounds a single handler execution.
	HandlerTimeout time.Duration

	// LockTTL is the time box on run-scoped locks. Handlers doing long
	// work extend the lock through their execution context.
	LockTTL time.Duration

	// AckDeadline is how long the durable backend waits for an ack
	// before redelivering. Must match the broker's native policy.
	AckDeadline time.Duration

	// MinBackoff and MaxBackoff bound the broker's redelivery backoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxDeliveryAttempts is the delivery count at which any message is
	// classified poison regardless of its error.
	MaxDeliveryAttempts int

	// MessageRetention and DLQRetention document the broker's retention
	// windows for live messages and quarantined ones.
	MessageRetention time.Duration
	DLQRetention     time.Duration

	// OrderingEnabled tags outgoing messages with their ordering key.
	// Only honored by backends that support ordered delivery.
	OrderingEnabled bool

	// RecordHandlerFailures controls whether a handler's business-level
	// failure is written to the idempotency store as a terminal record.
	// When true (the default), a deterministic failure is deduplicated
	// on redelivery; when false, redelivery re-runs the handler.
	RecordHandlerFailures bool
}

// DefaultConfig returns a Config with defaults matching the standard
// broker policy.
func DefaultConfig() Config {
	return Config{
		Topic:                 "conveyor.jobs",
		SubscriberGroup:       "conveyor-workers",
		MaxOutstanding:        10,
		HandlerTimeout:        5 * time.Minute,
		LockTTL:               2 * time.Minute,
		AckDeadline:           60 * time.Second,
		MinBackoff:            10 * time.Second,
		MaxBackoff:            600 * time.Second,
		MaxDeliveryAttempts:   5,
		MessageRetention:      7 * 24 * time.Hour,
		DLQRetention:          14 * 24 * time.Hour,
		RecordHandlerFailures: true,
	}
}
