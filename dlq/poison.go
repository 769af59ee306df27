package dlq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// MaxPayloadBytes is the structural size limit; larger payloads are
// poison before any handler runs.
const MaxPayloadBytes = 10 << 20

// truncateBytes bounds the raw payload stored in a quarantine record.
const truncateBytes = 4096

// PoisonMessage is the quarantine record for a message that cannot be
// processed. Records are append-only and persist until an operator
// clears them.
type PoisonMessage struct {
	ID              id.ID      `json:"id"`
	MessageID       string     `json:"message_id"`
	JobID           string     `json:"job_id,omitempty"`
	TenantID        string     `json:"tenant_id,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	RawPayload      string     `json:"raw_payload"`
	Truncated       bool       `json:"truncated"`
	Error           string     `json:"error"`
	Stack           string     `json:"stack,omitempty"`
	Classification  Decision   `json:"classification"`
	DeliveryAttempt int        `json:"delivery_attempt"`
	FirstReceivedAt *time.Time `json:"first_received_at,omitempty"`
	QuarantinedAt   time.Time  `json:"quarantined_at"`
	Subscription    string     `json:"subscription"`
}

// IsPoisonPayload is a structural pre-check run before any handler:
// empty or whitespace-only payloads, payloads that are not valid JSON
// and do not even look like JSON, and oversized payloads are flagged.
// It returns the reason when poison.
func IsPoisonPayload(raw []byte) (bool, string) {
	if len(raw) > MaxPayloadBytes {
		return true, fmt.Sprintf("payload size %d exceeds limit %d", len(raw), MaxPayloadBytes)
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return true, "empty payload"
	}

	// A payload that parses as JSON is structurally fine. One that does
	// not parse but at least starts like JSON gets a validation nack
	// rather than immediate quarantine; one that does not even look
	// like JSON can never deserialize and is poison now.
	if json.Valid(raw) {
		return false, ""
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return false, ""
	}
	return true, "payload is not JSON and does not look like JSON"
}

// truncatePayload bounds raw for storage, marking whether it was cut.
func truncatePayload(raw []byte) (string, bool) {
	if len(raw) <= truncateBytes {
		return string(raw), false
	}
	return string(raw[:truncateBytes]), true
}
