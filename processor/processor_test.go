package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/broker"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/idempotency"
	"github.com/conveyorhq/conveyor/lock"
)

func newTestProcessor(t *testing.T, opts ...Option) *Processor {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	return New(reg, idempotency.NewMemoryStore(), lock.NewMemoryManager(), opts...)
}

func newTestMessage(t *testing.T, mutate func(*envelope.Envelope)) *broker.Message {
	t.Helper()
	env, err := envelope.New(envelope.Params{
		JobID:    "job-1",
		TenantID: "tenant-1",
		RunID:    "run-1",
		Type:     "echo",
		Payload:  json.RawMessage(`{"x":1}`),
		TraceID:  "trace-1",
		Source:   "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if mutate != nil {
		mutate(env)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	noop := func(context.Context) error { return nil }
	return broker.NewMessage("msg-1", env, data, broker.Attributes(env), time.Now(), 1, noop, noop)
}

func TestProcessJobCompletesEcho(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t)
	msg := newTestMessage(t, nil)

	res := p.ProcessJob(context.Background(), msg)
	if res.Status != envelope.StatusCompleted {
		t.Fatalf("status = %s, want completed (%s)", res.Status, res.Error)
	}
	if string(res.Output) != `{"x":1}` {
		t.Errorf("output = %s", res.Output)
	}
	if res.Cached {
		t.Error("first execution should not be cached")
	}

	stats := p.Stats()
	if stats.Processed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessJobUnknownType(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t)
	msg := newTestMessage(t, func(e *envelope.Envelope) { e.Type = "no.such.type" })

	res := p.ProcessJob(context.Background(), msg)
	if res.Status != envelope.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "Unknown job type") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestProcessJobDeadlineSkips(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	called := false
	reg.Register("echo", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	idem := idempotency.NewMemoryStore()
	p := New(reg, idem, lock.NewMemoryManager())

	past := time.Now().Add(-time.Minute)
	msg := newTestMessage(t, func(e *envelope.Envelope) { e.Deadline = &past })

	res := p.ProcessJob(context.Background(), msg)
	if res.Status != envelope.StatusSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	if called {
		t.Error("handler ran for an expired job")
	}

	// No idempotency record may exist: the store was never touched.
	key := idempotency.Compute("run-1", "job-1", "echo", json.RawMessage(`{"x":1}`))
	rec, err := idem.Check(context.Background(), key)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rec != nil {
		t.Error("skipped job wrote an idempotency record")
	}

	if got := p.Stats().Skipped; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
}

func TestProcessJobDuplicateReturnsCached(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var calls int
	reg.Register("echo", func(_ context.Context, j *envelope.WorkerJob, _ *JobContext) (json.RawMessage, error) {
		calls++
		return j.Payload, nil
	})
	p := New(reg, idempotency.NewMemoryStore(), lock.NewMemoryManager())

	first := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if first.Status != envelope.StatusCompleted {
		t.Fatalf("first status = %s (%s)", first.Status, first.Error)
	}

	second := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if second.Status != envelope.StatusCompleted {
		t.Fatalf("second status = %s", second.Status)
	}
	if !second.Cached {
		t.Error("second delivery should be cached")
	}
	if string(second.Output) != string(first.Output) {
		t.Errorf("cached output = %s, want %s", second.Output, first.Output)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if got := p.Stats().Cached; got != 1 {
		t.Errorf("cached = %d, want 1", got)
	}
}

func TestProcessJobFailureCachedOnRedelivery(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var calls int
	reg.Register("echo", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
		calls++
		return nil, errors.New("business rule violated")
	})
	p := New(reg, idempotency.NewMemoryStore(), lock.NewMemoryManager())

	first := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if first.Status != envelope.StatusFailed {
		t.Fatalf("first status = %s", first.Status)
	}

	second := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if second.Status != envelope.StatusFailed || !second.Cached {
		t.Fatalf("second = %+v, want cached failure", second)
	}
	if second.Error != "business rule violated" {
		t.Errorf("cached error = %q", second.Error)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestProcessJobFailureNotRecordedWhenDisabled(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var calls int
	reg.Register("echo", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
		calls++
		return nil, errors.New("flaky downstream")
	})
	p := New(reg, idempotency.NewMemoryStore(), lock.NewMemoryManager(),
		WithRecordHandlerFailures(false))

	_ = p.ProcessJob(context.Background(), newTestMessage(t, nil))
	second := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if second.Cached {
		t.Error("failure dedup should be disabled")
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestProcessJobMutualExclusion(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{})
	reg.Register("echo", func(_ context.Context, j *envelope.WorkerJob, _ *JobContext) (json.RawMessage, error) {
		close(started)
		<-release
		return j.Payload, nil
	})
	idem := idempotency.NewMemoryStore()
	p := New(reg, idem, lock.NewMemoryManager())

	var wg sync.WaitGroup
	wg.Add(1)
	var firstRes *envelope.JobResult
	go func() {
		defer wg.Done()
		firstRes = p.ProcessJob(context.Background(), newTestMessage(t, nil))
	}()
	<-started

	// Same run, different job: must hit the run lock, not idempotency.
	conflicting := newTestMessage(t, func(e *envelope.Envelope) { e.JobID = "job-2" })
	loser := p.ProcessJob(context.Background(), conflicting)
	if loser.Status != envelope.StatusFailed {
		t.Fatalf("loser status = %s, want failed", loser.Status)
	}
	if !strings.Contains(loser.Error, conveyor.ErrLockConflict.Error()) {
		t.Errorf("loser error = %q", loser.Error)
	}

	// The loser left no idempotency record, so redelivery can run it.
	key := idempotency.Compute("run-1", "job-2", "echo", json.RawMessage(`{"x":1}`))
	rec, err := idem.Check(context.Background(), key)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rec != nil {
		t.Error("lock conflict wrote an idempotency record")
	}

	close(release)
	wg.Wait()
	if firstRes.Status != envelope.StatusCompleted {
		t.Errorf("winner status = %s", firstRes.Status)
	}
	if got := p.Stats().LockConflicts; got != 1 {
		t.Errorf("lockConflicts = %d, want 1", got)
	}
}

func TestProcessJobReleasesLockOnAllPaths(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		handler Handler
	}{
		{"success", func(_ context.Context, j *envelope.WorkerJob, _ *JobContext) (json.RawMessage, error) {
			return j.Payload, nil
		}},
		{"error", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
			return nil, errors.New("boom")
		}},
		{"panic", func(context.Context, *envelope.WorkerJob, *JobContext) (json.RawMessage, error) {
			panic("kapow")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Register("echo", tc.handler)
			locks := lock.NewMemoryManager()
			p := New(reg, idempotency.NewMemoryStore(), locks)

			runID := "run-release-" + tc.name
			msg := newTestMessage(t, func(e *envelope.Envelope) {
				e.JobID = "job-release"
				e.RunID = runID
			})
			_ = p.ProcessJob(context.Background(), msg)

			// The run lock must be free again.
			res, err := locks.TryAcquire(context.Background(), runID, lock.AcquireOptions{})
			if err != nil {
				t.Fatalf("TryAcquire: %v", err)
			}
			if !res.Acquired {
				t.Errorf("%s path left the run lock held by %s", tc.name, res.ExistingHolderID)
			}
		})
	}
}

func TestProcessJobTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	blocked := make(chan struct{})
	reg.Register("echo", func(ctx context.Context, _ *envelope.WorkerJob, _ *JobContext) (json.RawMessage, error) {
		<-ctx.Done()
		close(blocked)
		// Let the abandoning select observe the deadline first.
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	})
	locks := lock.NewMemoryManager()
	p := New(reg, idempotency.NewMemoryStore(), locks,
		WithHandlerTimeout(20*time.Millisecond))

	res := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if res.Status != envelope.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, conveyor.ErrHandlerTimeout.Error()) {
		t.Errorf("error = %q", res.Error)
	}

	// The abandoned handler observes cancellation through its context.
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Error("handler never observed cancellation")
	}

	// Lock released despite the timeout.
	r, err := locks.TryAcquire(context.Background(), "run-1", lock.AcquireOptions{})
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !r.Acquired {
		t.Error("timeout path left the run lock held")
	}
}

func TestProcessJobExtendLock(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var extended bool
	reg.Register("echo", func(ctx context.Context, j *envelope.WorkerJob, jc *JobContext) (json.RawMessage, error) {
		extended = jc.ExtendLock(ctx, time.Minute)
		if jc.MessageID == "" {
			return nil, errors.New("missing message id")
		}
		if jc.LockHolderID == "" {
			return nil, errors.New("missing lock holder")
		}
		return j.Payload, nil
	})
	p := New(reg, idempotency.NewMemoryStore(), lock.NewMemoryManager())

	res := p.ProcessJob(context.Background(), newTestMessage(t, nil))
	if res.Status != envelope.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if !extended {
		t.Error("ExtendLock returned false for a held lock")
	}
}

func TestProcessJobNoRunSkipsLock(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t)
	msg := newTestMessage(t, func(e *envelope.Envelope) { e.RunID = "" })

	res := p.ProcessJob(context.Background(), msg)
	if res.Status != envelope.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
}

func TestStatsThroughput(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t)
	for i := 0; i < 3; i++ {
		msg := newTestMessage(t, func(e *envelope.Envelope) {
			e.JobID = "job-stats"
			e.RunID = ""
			e.Type = "noop"
		})
		_ = p.ProcessJob(context.Background(), msg)
	}

	stats := p.Stats()
	if stats.Processed != 3 {
		t.Errorf("processed = %d, want 3", stats.Processed)
	}
	// One real completion plus two cached short-circuits.
	if stats.Completed != 1 || stats.Cached != 2 {
		t.Errorf("completed = %d cached = %d", stats.Completed, stats.Cached)
	}
	if stats.Uptime <= 0 {
		t.Error("uptime should be positive")
	}
	if stats.PerSecond <= 0 {
		t.Error("throughput should be positive")
	}
}
