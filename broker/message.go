package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/envelope"
)

// Message is one delivered unit of work. Exactly one of Ack or Nack
// must be invoked per message; the second settle attempt returns
// conveyor.ErrAlreadySettled without touching the backend.
type Message struct {
	// ID is the backend-assigned message identifier.
	ID string

	// Envelope is the parsed, validated body.
	Envelope *envelope.Envelope

	// Raw is the message body as received, before parsing. The poison
	// pre-check and quarantine records operate on it.
	Raw []byte

	// Attributes are the routing attributes published with the body.
	Attributes map[string]string

	// PublishTime is when the backend accepted the message.
	PublishTime time.Time

	// DeliveryAttempt counts how many times the backend has attempted
	// delivery, starting at 1.
	DeliveryAttempt int

	settled atomic.Bool
	ackFn   func(ctx context.Context) error
	nackFn  func(ctx context.Context) error
}

// NewMessage constructs a Message with the given settle callbacks.
// Backends call this; application code receives messages from Start.
func NewMessage(
	id string,
	env *envelope.Envelope,
	raw []byte,
	attrs map[string]string,
	publishTime time.Time,
	deliveryAttempt int,
	ack, nack func(ctx context.Context) error,
) *Message {
	return &Message{
		ID:              id,
		Envelope:        env,
		Raw:             raw,
		Attributes:      attrs,
		PublishTime:     publishTime,
		DeliveryAttempt: deliveryAttempt,
		ackFn:           ack,
		nackFn:          nack,
	}
}

// Ack acknowledges the message: processing is done, do not redeliver.
func (m *Message) Ack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return conveyor.ErrAlreadySettled
	}
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

// Nack negatively acknowledges the message: processing failed, make it
// eligible for redelivery.
func (m *Message) Nack(ctx context.Context) error {
	if !m.settled.CompareAndSwap(false, true) {
		return conveyor.ErrAlreadySettled
	}
	if m.nackFn == nil {
		return nil
	}
	return m.nackFn(ctx)
}

// Settled reports whether Ack or Nack has been called.
func (m *Message) Settled() bool {
	return m.settled.Load()
}
