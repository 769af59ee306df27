package dlq

import (
	"fmt"
	"strings"
)

// Classification is the failure category assigned to an error.
type Classification string

const (
	// ClassTransient errors are expected to succeed on redelivery.
	ClassTransient Classification = "transient"
	// ClassPermanent errors will fail identically on every delivery.
	ClassPermanent Classification = "permanent"
	// ClassPoison marks messages that cannot be processed regardless of
	// retries: exhausted delivery budgets or structurally broken payloads.
	ClassPoison Classification = "poison"
)

// Action is what the subscriber should do with the message.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionDLQ     Action = "dlq"
	ActionDiscard Action = "discard"
)

// Decision is the classifier's verdict for one failed delivery.
type Decision struct {
	Classification Classification `json:"classification"`
	ShouldRetry    bool           `json:"should_retry"`
	Reason         string         `json:"reason"`
	Action         Action         `json:"action"`
}

// DefaultMaxDeliveryAttempts is the delivery count at which any message
// is classified poison regardless of its error text.
const DefaultMaxDeliveryAttempts = 5

// unknownRetryBudget bounds retries of errors matching neither pattern
// set: benefit of the doubt for the first attempts, permanent after.
const unknownRetryBudget = 3

// permanentPatterns match errors that will fail identically forever.
// Matched case-insensitively as substrings of the error text.
var permanentPatterns = []string{
	"validation failed",
	"invalid envelope",
	"malformed",
	"unauthorized",
	"forbidden",
	"authentication failed",
	"permission denied",
	"tenant not found",
	"run not found",
	"missing required field",
	"unknown job type",
	"schema mismatch",
}

// transientPatterns match infrastructure failures worth retrying.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"network error",
	"no such host",
	"rate limit",
	"too many requests",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"econnreset",
	"eof",
	// Another worker holds the idempotency reservation; the broker
	// must redeliver after the in-flight attempt settles or its
	// reservation expires.
	"duplicate delivery",
}

// Classifier turns an error plus delivery-attempt count into a decision.
// The zero value is not usable; construct with NewClassifier.
type Classifier struct {
	maxDeliveryAttempts int
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithMaxDeliveryAttempts overrides the poison threshold.
func WithMaxDeliveryAttempts(n int) ClassifierOption {
	return func(c *Classifier) { c.maxDeliveryAttempts = n }
}

// NewClassifier creates a Classifier with the default delivery budget.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{maxDeliveryAttempts: DefaultMaxDeliveryAttempts}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxDeliveryAttempts returns the configured poison threshold.
func (c *Classifier) MaxDeliveryAttempts() int { return c.maxDeliveryAttempts }

// Classify evaluates the error in priority order:
//
//  1. delivery budget exhausted → poison, regardless of error text
//  2. permanent pattern match → permanent, dlq
//  3. transient pattern match → transient, retry
//  4. unmatched → transient for the first attempts, then permanent
func (c *Classifier) Classify(err error, deliveryAttempt int) Decision {
	if deliveryAttempt >= c.maxDeliveryAttempts {
		return Decision{
			Classification: ClassPoison,
			ShouldRetry:    false,
			Reason: fmt.Sprintf("delivery attempt %d reached max %d",
				deliveryAttempt, c.maxDeliveryAttempts),
			Action: ActionDLQ,
		}
	}

	text := ""
	if err != nil {
		text = strings.ToLower(err.Error())
	}

	if pattern, ok := matchAny(text, permanentPatterns); ok {
		return Decision{
			Classification: ClassPermanent,
			ShouldRetry:    false,
			Reason:         fmt.Sprintf("permanent error pattern %q", pattern),
			Action:         ActionDLQ,
		}
	}

	if pattern, ok := matchAny(text, transientPatterns); ok {
		return Decision{
			Classification: ClassTransient,
			ShouldRetry:    true,
			Reason:         fmt.Sprintf("transient error pattern %q", pattern),
			Action:         ActionRetry,
		}
	}

	if deliveryAttempt <= unknownRetryBudget {
		return Decision{
			Classification: ClassTransient,
			ShouldRetry:    true,
			Reason:         fmt.Sprintf("unclassified error, attempt %d within benefit-of-the-doubt budget", deliveryAttempt),
			Action:         ActionRetry,
		}
	}

	return Decision{
		Classification: ClassPermanent,
		ShouldRetry:    false,
		Reason:         fmt.Sprintf("unclassified error persisted past %d attempts", unknownRetryBudget),
		Action:         ActionDLQ,
	}
}

func matchAny(text string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}
