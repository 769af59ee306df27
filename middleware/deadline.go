package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/envelope"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// Deadline returns middleware that enforces the job's deadline. A job
// whose deadline has already passed is failed without calling the
// handler; otherwise the handler context is cancelled at the deadline.
func Deadline(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *envelope.WorkerJob, next Handler) error {
		if j.Metadata == nil || j.Metadata.Deadline == nil {
			return next(ctx)
		}
		dl := *j.Metadata.Deadline
		if !dl.After(timeNow()) {
			logger.Warn("job deadline already passed",
				slog.String("job_id", j.ID),
				slog.Time("deadline", dl),
			)
			return conveyor.ErrDeadlineExceeded
		}
		ctx, cancel := context.WithDeadline(ctx, dl)
		defer cancel()
		return next(ctx)
	}
}
