package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FieldError describes one validation failure by field path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates field errors into a single error value for
// call sites that need one (the publisher aborts on it).
type ValidationError struct {
	Fields []FieldError
}

func (v ValidationError) Error() string {
	msgs := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		if f.Field == "" {
			msgs = append(msgs, f.Message)
			continue
		}
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "envelope: validation failed: " + strings.Join(msgs, "; ")
}

// Validate parses raw bytes into an Envelope and checks every field.
// It returns either the typed envelope or the list of field errors; it
// never panics and never returns both.
func Validate(data []byte) (*Envelope, []FieldError) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, []FieldError{{Field: "", Message: "invalid JSON: " + err.Error()}}
	}
	if errs := e.check(); len(errs) > 0 {
		return nil, errs
	}
	return &e, nil
}

// check validates the envelope's own fields plus the payload against
// its type-specific schema, if one is registered.
func (e *Envelope) check() []FieldError {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if e.JobID == "" {
		add("job_id", "required")
	}
	if e.TenantID == "" {
		add("tenant_id", "required")
	}
	if e.RunID == "" {
		add("run_id", "required")
	}
	if e.Type == "" {
		add("type", "required")
	}
	if e.TraceID == "" {
		add("trace_id", "required")
	}
	if e.Source == "" {
		add("source", "required")
	}
	if len(e.Payload) == 0 {
		add("payload", "required")
	}
	if e.Attempt < 1 {
		add("attempt", "must be >= 1")
	}
	if e.MaxRetries < 0 {
		add("max_retries", "must be >= 0")
	}
	if e.Priority != "" && !e.Priority.Valid() {
		add("priority", fmt.Sprintf("unknown priority %q", e.Priority))
	}
	for i, prev := range e.PreviousAttempts {
		if prev.Attempt < 1 {
			add(fmt.Sprintf("previous_attempts[%d].attempt", i), "must be >= 1")
		}
	}

	if e.Type != "" && len(e.Payload) > 0 {
		if fn, ok := payloadSchema(e.Type); ok {
			errs = append(errs, fn(e.Payload)...)
		}
	}

	return errs
}

// PayloadCheck validates a type-discriminated payload and returns field
// errors rooted at "payload".
type PayloadCheck func(payload json.RawMessage) []FieldError

var (
	schemaMu sync.RWMutex
	schemas  = map[string]PayloadCheck{}
)

// RegisterPayloadSchema attaches a payload validator to a job type.
// Envelopes of unregistered types pass payload validation unchecked;
// the processor's handler lookup polices unknown types.
func RegisterPayloadSchema(jobType string, check PayloadCheck) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemas[jobType] = check
}

func payloadSchema(jobType string) (PayloadCheck, bool) {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	fn, ok := schemas[jobType]
	return fn, ok
}

// ObjectPayload returns a PayloadCheck that requires the payload to be
// a JSON object with the given required keys. Convenient for job types
// whose payloads are flat parameter maps.
func ObjectPayload(requiredKeys ...string) PayloadCheck {
	return func(payload json.RawMessage) []FieldError {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return []FieldError{{Field: "payload", Message: "must be a JSON object"}}
		}
		var errs []FieldError
		for _, key := range requiredKeys {
			if _, ok := obj[key]; !ok {
				errs = append(errs, FieldError{
					Field:   "payload." + key,
					Message: "required",
				})
			}
		}
		return errs
	}
}
