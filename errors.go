package conveyor

import "errors"

var (
	// Routing errors.
	ErrUnknownJobType = errors.New("conveyor: unknown job type")
	ErrNoHandler      = errors.New("conveyor: no handler registered")

	// Coordination errors.
	ErrLockConflict = errors.New("conveyor: run lock held by another worker")
	ErrLockExpired  = errors.New("conveyor: run lock expired")

	// Execution errors.
	ErrHandlerTimeout    = errors.New("conveyor: handler timed out")
	ErrDeadlineExceeded  = errors.New("conveyor: job deadline exceeded")
	ErrRetriesExhausted  = errors.New("conveyor: max retries exceeded")
	ErrProcessorStopped  = errors.New("conveyor: processor stopped")
	ErrDuplicateDelivery = errors.New("conveyor: duplicate delivery")

	// Broker errors.
	ErrInvalidEnvelope   = errors.New("conveyor: invalid envelope")
	ErrBrokerClosed      = errors.New("conveyor: broker closed")
	ErrAlreadySettled    = errors.New("conveyor: message already acked or nacked")
	ErrSubscriberRunning = errors.New("conveyor: subscriber already started")

	// DLQ errors.
	ErrPoisonNotFound = errors.New("conveyor: poison message not found")
)
