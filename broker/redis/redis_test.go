package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/envelope"
)

func testEntry(t *testing.T) goredis.XMessage {
	t.Helper()
	env, err := envelope.New(envelope.Params{
		JobID:    "job-1",
		TenantID: "tenant-1",
		RunID:    "run-1",
		Type:     "email.send",
		Payload:  json.RawMessage(`{"n":1}`),
		TraceID:  "trace-1",
		Source:   "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return goredis.XMessage{
		ID: "1700000000000-0",
		Values: map[string]any{
			fieldData:        string(data),
			broker.AttrJobID: "job-1",
			broker.AttrType:  "email.send",
		},
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	b := New(nil, "conveyor.jobs")

	msg, err := b.toMessage(testEntry(t), 3)
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if msg.ID != "1700000000000-0" {
		t.Errorf("ID = %s", msg.ID)
	}
	if msg.Envelope.JobID != "job-1" {
		t.Errorf("JobID = %s", msg.Envelope.JobID)
	}
	if msg.DeliveryAttempt != 3 {
		t.Errorf("DeliveryAttempt = %d, want 3", msg.DeliveryAttempt)
	}
	if msg.Attributes[broker.AttrType] != "email.send" {
		t.Errorf("type attribute = %q", msg.Attributes[broker.AttrType])
	}
	if _, present := msg.Attributes[fieldData]; present {
		t.Error("data field should not leak into attributes")
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !msg.PublishTime.Equal(want) {
		t.Errorf("PublishTime = %v, want %v", msg.PublishTime, want)
	}
}

func TestToMessageMissingData(t *testing.T) {
	t.Parallel()
	b := New(nil, "conveyor.jobs")

	entry := goredis.XMessage{ID: "1-0", Values: map[string]any{"other": "x"}}
	if _, err := b.toMessage(entry, 1); err == nil {
		t.Fatal("expected error for entry without data field")
	}
}

func TestToMessageInvalidEnvelope(t *testing.T) {
	t.Parallel()
	b := New(nil, "conveyor.jobs")

	entry := goredis.XMessage{ID: "1-0", Values: map[string]any{fieldData: `{"version":"1.0"}`}}
	if _, err := b.toMessage(entry, 1); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHandlerContextSurvivesLoopCancel(t *testing.T) {
	t.Parallel()
	b := New(nil, "conveyor.jobs")

	loopCtx, cancel := context.WithCancel(context.Background())
	b.handlerCtx = context.WithoutCancel(loopCtx)
	b.outstanding = make(chan struct{}, 1)

	got := make(chan error, 1)
	h := func(ctx context.Context, _ *broker.Message) {
		// Shut the loops down while the handler is mid-flight: its own
		// context must stay live so acks and idempotency finalization
		// still reach the backend.
		cancel()
		got <- ctx.Err()
	}

	b.dispatch(loopCtx, h, testEntry(t), 1)

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("handler context cancelled with the loop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	b.wg.Wait()
}

func TestPublishTimeFromID(t *testing.T) {
	t.Parallel()
	if got := publishTimeFromID("garbage"); !got.IsZero() {
		t.Errorf("unparseable ID should yield zero time, got %v", got)
	}
}

func TestFormatMinID(t *testing.T) {
	t.Parallel()
	at := time.UnixMilli(1700000000000)
	if got := formatMinID(at); got != "1700000000000-0" {
		t.Errorf("formatMinID = %q", got)
	}
}
