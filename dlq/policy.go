package dlq

import "time"

// Policy documents the broker redelivery configuration the classifier
// assumes. The classifier advises but does not enforce redelivery
// timing, so these values must match the underlying broker's native
// policy or the poison threshold will fire at the wrong attempt.
type Policy struct {
	MinBackoff          time.Duration
	MaxBackoff          time.Duration
	AckDeadline         time.Duration
	MaxDeliveryAttempts int
	MessageRetention    time.Duration
	DLQRetention        time.Duration
}

// DefaultPolicy returns the standard broker policy.
func DefaultPolicy() Policy {
	return Policy{
		MinBackoff:          10 * time.Second,
		MaxBackoff:          600 * time.Second,
		AckDeadline:         60 * time.Second,
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
		MessageRetention:    7 * 24 * time.Hour,
		DLQRetention:        14 * 24 * time.Hour,
	}
}
