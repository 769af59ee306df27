package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/middleware"
)

func newTestJob() *envelope.WorkerJob {
	return &envelope.WorkerJob{
		ID:       "job-1",
		Type:     "email.send",
		TenantID: "tenant-1",
		RunID:    "run-1",
		Metadata: &envelope.JobMetadata{MaxRetries: 3, RetryCount: 2},
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *envelope.WorkerJob, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *envelope.WorkerJob, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	err := chain(context.Background(), newTestJob(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), newTestJob(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *envelope.WorkerJob, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), newTestJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)

	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in job email.send: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)

	called := false
	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Logging(logger)

	called := false
	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Logging(logger)
	want := errors.New("fail")

	err := mw(context.Background(), newTestJob(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTenant_InjectsFromJob(t *testing.T) {
	mw := middleware.Tenant()

	err := mw(context.Background(), newTestJob(), func(ctx context.Context) error {
		tid, ok := middleware.TenantFrom(ctx)
		if !ok {
			t.Fatal("expected tenant in context")
		}
		if tid != "tenant-1" {
			t.Errorf("tenant = %q, want %q", tid, "tenant-1")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTenant_NoOpWhenEmpty(t *testing.T) {
	mw := middleware.Tenant()
	j := newTestJob()
	j.TenantID = ""

	err := mw(context.Background(), j, func(ctx context.Context) error {
		if _, ok := middleware.TenantFrom(ctx); ok {
			t.Fatal("expected no tenant in context for tenantless job")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeadline_ExpiredFailsFast(t *testing.T) {
	mw := middleware.Deadline(slog.Default())
	j := newTestJob()
	past := time.Now().Add(-time.Minute)
	j.Metadata.Deadline = &past

	called := false
	err := mw(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, conveyor.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
	if called {
		t.Error("handler should not run past the deadline")
	}
}

func TestDeadline_BoundsContext(t *testing.T) {
	mw := middleware.Deadline(slog.Default())
	j := newTestJob()
	future := time.Now().Add(time.Hour)
	j.Metadata.Deadline = &future

	err := mw(context.Background(), j, func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a context deadline")
		}
		if !dl.Equal(future) {
			t.Errorf("deadline = %v, want %v", dl, future)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeadline_NoneIsPassThrough(t *testing.T) {
	mw := middleware.Deadline(slog.Default())
	j := newTestJob()
	j.Metadata.Deadline = nil

	err := mw(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("context should carry no deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
