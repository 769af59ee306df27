// Package idempotency converts at-least-once delivery into at-most-once
// effect. Each logical operation gets a deterministic key; the store's
// Begin is a single atomic conditional insert, so two concurrent
// deliveries of the same operation can never both observe "not present"
// and both run the handler.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Key is the deterministic fingerprint of one logical operation:
// (scope, jobID, type, payload). Scope is the run ID when the job
// belongs to a run, else the tenant ID.
type Key struct {
	Scope       string `json:"scope"`
	JobID       string `json:"job_id"`
	Type        string `json:"type"`
	PayloadHash string `json:"payload_hash"`
}

// Compute derives the key for a job. The payload is compacted before
// hashing so formatting differences do not change the fingerprint.
func Compute(scope, jobID, jobType string, payload json.RawMessage) Key {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		// Not valid JSON; hash the raw bytes as-is.
		buf.Reset()
		buf.Write(payload)
	}

	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(buf.Bytes())

	return Key{
		Scope:       scope,
		JobID:       jobID,
		Type:        jobType,
		PayloadHash: hex.EncodeToString(h.Sum(nil)),
	}
}

// String returns the canonical storage key.
func (k Key) String() string {
	return k.Scope + ":" + k.JobID + ":" + k.Type + ":" + k.PayloadHash
}
