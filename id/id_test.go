package id

import (
	"encoding/json"
	"testing"
)

func TestNewGeneratesValidID(t *testing.T) {
	t.Parallel()

	jobID := NewJobID()
	if jobID.IsNil() {
		t.Fatal("NewJobID returned Nil")
	}
	if jobID.Prefix() != PrefixJob {
		t.Errorf("Prefix = %q, want %q", jobID.Prefix(), PrefixJob)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	original := NewRunID()
	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", original.String(), err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), original.String())
	}
}

func TestParseEmptyString(t *testing.T) {
	t.Parallel()

	if _, err := Parse(""); err == nil {
		t.Error("Parse(\"\") should fail")
	}
}

func TestParseWithPrefixMismatch(t *testing.T) {
	t.Parallel()

	jobID := NewJobID()
	if _, err := ParseWithPrefix(jobID.String(), PrefixRun); err == nil {
		t.Error("ParseWithPrefix should reject a job ID with run prefix")
	}
}

func TestNilID(t *testing.T) {
	t.Parallel()

	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", Nil.String())
	}
}

func TestJSONMarshaling(t *testing.T) {
	t.Parallel()

	type wrapper struct {
		ID ID `json:"id"`
	}

	w := wrapper{ID: NewMessageID()}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID.String() != w.ID.String() {
		t.Errorf("JSON round trip mismatch: %q != %q", decoded.ID.String(), w.ID.String())
	}
}

func TestIDsAreSortable(t *testing.T) {
	t.Parallel()

	// UUIDv7-based IDs generated in sequence must be lexically ordered.
	a := NewJobID()
	b := NewJobID()
	if a.String() >= b.String() {
		t.Errorf("expected %q < %q", a.String(), b.String())
	}
}

func TestScanAndValue(t *testing.T) {
	t.Parallel()

	original := NewPoisonID()

	v, err := original.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var scanned ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("SQL round trip mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromNil ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("Scan(nil) should produce Nil")
	}
}
