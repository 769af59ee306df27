package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/checkpoint"
	"github.com/conveyorhq/conveyor/lock"
)

// JobContext carries per-execution capabilities into the handler: a
// logger tagged with the job's identity, the broker message id, the
// run-lock holder identity, the checkpoint manager for resumable work,
// and the ability to extend the run lock for long operations.
type JobContext struct {
	Logger       *slog.Logger
	MessageID    string
	LockHolderID string
	Checkpoints  checkpoint.Manager

	runID string
	locks lock.Manager
}

// ExtendLock pushes out the run lock's expiry. It returns false when
// the job holds no run lock or the lock is no longer held by this
// worker.
func (jc *JobContext) ExtendLock(ctx context.Context, d time.Duration) bool {
	if jc.locks == nil || jc.runID == "" || jc.LockHolderID == "" {
		return false
	}
	ok, err := jc.locks.Extend(ctx, jc.runID, jc.LockHolderID, d)
	if err != nil {
		jc.Logger.Warn("lock extend failed",
			slog.String("run_id", jc.runID),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}
