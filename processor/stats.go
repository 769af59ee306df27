package processor

import (
	"sync/atomic"
	"time"
)

// counters holds the processor's running totals. All fields are
// updated atomically; Snapshot reads are not mutually consistent but
// each field is accurate.
type counters struct {
	processed     atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	skipped       atomic.Int64
	cached        atomic.Int64
	lockConflicts atomic.Int64
	startedAt     time.Time
}

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	Processed     int64         `json:"processed"`
	Completed     int64         `json:"completed"`
	Failed        int64         `json:"failed"`
	Skipped       int64         `json:"skipped"`
	Cached        int64         `json:"cached"`
	LockConflicts int64         `json:"lock_conflicts"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"uptime"`
	PerSecond     float64       `json:"per_second"`
}

func (c *counters) snapshot() Stats {
	uptime := time.Since(c.startedAt)
	processed := c.processed.Load()

	var perSec float64
	if secs := uptime.Seconds(); secs > 0 {
		perSec = float64(processed) / secs
	}

	return Stats{
		Processed:     processed,
		Completed:     c.completed.Load(),
		Failed:        c.failed.Load(),
		Skipped:       c.skipped.Load(),
		Cached:        c.cached.Load(),
		LockConflicts: c.lockConflicts.Load(),
		StartedAt:     c.startedAt,
		Uptime:        uptime,
		PerSecond:     perSec,
	}
}
