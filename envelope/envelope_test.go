package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validParams() Params {
	return Params{
		JobID:    "job-1",
		TenantID: "tenant-1",
		RunID:    "run-1",
		Type:     "echo",
		Payload:  json.RawMessage(`{"x":1}`),
		TraceID:  "trace-1",
		Source:   "test",
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	e, err := New(validParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", e.Attempt)
	}
	if e.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", e.MaxRetries, DefaultMaxRetries)
	}
	if e.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want %q", e.Priority, PriorityNormal)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if e.Version != SchemaVersion {
		t.Errorf("Version = %d, want %d", e.Version, SchemaVersion)
	}
}

func TestNewRequiredFields(t *testing.T) {
	t.Parallel()

	p := validParams()
	p.TenantID = ""
	p.TraceID = ""

	_, err := New(p)
	if err == nil {
		t.Fatal("New should fail without tenant_id and trace_id")
	}
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error is %T, want ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("got %d field errors, want 2: %v", len(verr.Fields), verr.Fields)
	}
}

func TestValidateRejectsBadJSON(t *testing.T) {
	t.Parallel()

	e, errs := Validate([]byte("{not json"))
	if e != nil {
		t.Error("Validate returned envelope for invalid JSON")
	}
	if len(errs) == 0 {
		t.Fatal("Validate returned no errors for invalid JSON")
	}
}

func TestValidateFieldErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Envelope)
		wantField string
	}{
		{"missing job id", func(e *Envelope) { e.JobID = "" }, "job_id"},
		{"missing run id", func(e *Envelope) { e.RunID = "" }, "run_id"},
		{"missing source", func(e *Envelope) { e.Source = "" }, "source"},
		{"zero attempt", func(e *Envelope) { e.Attempt = 0 }, "attempt"},
		{"bad priority", func(e *Envelope) { e.Priority = "urgent" }, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := New(validParams())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tt.mutate(e)

			data, err := json.Marshal(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			_, errs := Validate(data)
			found := false
			for _, fe := range errs {
				if fe.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tt.wantField, errs)
			}
		})
	}
}

func TestAddRetryAttempt(t *testing.T) {
	t.Parallel()

	e, err := New(validParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.AddRetryAttempt(errors.New("connection refused"))
	if e.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", e.Attempt)
	}
	if len(e.PreviousAttempts) != 1 {
		t.Fatalf("PreviousAttempts len = %d, want 1", len(e.PreviousAttempts))
	}
	if e.PreviousAttempts[0].Attempt != 1 {
		t.Errorf("recorded attempt = %d, want 1", e.PreviousAttempts[0].Attempt)
	}
	if e.PreviousAttempts[0].Error != "connection refused" {
		t.Errorf("recorded error = %q", e.PreviousAttempts[0].Error)
	}

	// Second retry preserves the first entry and appends exactly one.
	e.AddRetryAttempt(errors.New("timeout"))
	if e.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", e.Attempt)
	}
	if len(e.PreviousAttempts) != 2 {
		t.Fatalf("PreviousAttempts len = %d, want 2", len(e.PreviousAttempts))
	}
	if e.PreviousAttempts[0].Error != "connection refused" || e.PreviousAttempts[1].Error != "timeout" {
		t.Errorf("attempts out of order: %v", e.PreviousAttempts)
	}
}

func TestRetryExceeded(t *testing.T) {
	t.Parallel()

	p := validParams()
	p.MaxRetries = 2
	e, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for range 2 {
		if e.RetryExceeded() {
			t.Fatalf("RetryExceeded at attempt %d with max 2", e.Attempt)
		}
		e.AddRetryAttempt(errors.New("x"))
	}
	if !e.RetryExceeded() {
		t.Errorf("RetryExceeded = false at attempt %d with max 2", e.Attempt)
	}
}

func TestDeadlineExpired(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	p := validParams()
	p.Deadline = &past
	e, _ := New(p)
	if !e.DeadlineExpired(now) {
		t.Error("past deadline not expired")
	}

	p.Deadline = &future
	e, _ = New(p)
	if e.DeadlineExpired(now) {
		t.Error("future deadline reported expired")
	}

	p.Deadline = nil
	e, _ = New(p)
	if e.DeadlineExpired(now) {
		t.Error("nil deadline reported expired")
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	later := now.Add(30 * time.Second)

	p := validParams()
	p.DelayUntil = &later
	e, _ := New(p)

	if !e.ShouldDelay(now) {
		t.Error("ShouldDelay = false before delay_until")
	}
	if got := e.RemainingDelay(now); got <= 0 || got > 30*time.Second {
		t.Errorf("RemainingDelay = %v", got)
	}
	if e.ShouldDelay(later.Add(time.Second)) {
		t.Error("ShouldDelay = true after delay_until")
	}
	if got := e.RemainingDelay(later.Add(time.Second)); got != 0 {
		t.Errorf("RemainingDelay after deadline = %v, want 0", got)
	}
}

func TestToWorkerJob(t *testing.T) {
	t.Parallel()

	e, err := New(validParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.AddRetryAttempt(errors.New("x"))

	j := e.ToWorkerJob()
	if j.ID != e.JobID || j.Type != e.Type || j.TenantID != e.TenantID || j.RunID != e.RunID {
		t.Errorf("identity fields not carried: %+v", j)
	}
	if j.Metadata == nil {
		t.Fatal("Metadata is nil")
	}
	if j.Metadata.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.Metadata.RetryCount)
	}
	if j.Metadata.MaxRetries != e.MaxRetries {
		t.Errorf("MaxRetries = %d, want %d", j.Metadata.MaxRetries, e.MaxRetries)
	}
}

func TestPayloadSchema(t *testing.T) {
	t.Parallel()

	RegisterPayloadSchema("schema-test", ObjectPayload("repo", "pr_number"))

	p := validParams()
	p.Type = "schema-test"
	p.Payload = json.RawMessage(`{"repo":"a/b"}`)

	e, _ := New(p)
	data, _ := json.Marshal(e)
	_, errs := Validate(data)
	found := false
	for _, fe := range errs {
		if fe.Field == "payload.pr_number" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing payload.pr_number error in %v", errs)
	}

	p.Payload = json.RawMessage(`{"repo":"a/b","pr_number":7}`)
	e, err := New(p)
	if err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if e == nil {
		t.Fatal("nil envelope for valid payload")
	}
}
