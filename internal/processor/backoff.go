package processor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
)

// DefaultSchedule is the retry delay per attempt; the last entry is the cap
var DefaultSchedule = []time.Duration{
	time.Second,
	4 * time.Second,
	16 * time.Second,
	time.Minute,
	4 * time.Minute,
	10 * time.Minute,
}

type Backoff struct {
	Schedule  []time.Duration
	JitterPct float64

	rand func() float64
}

// Delay returns the wait before the given attempt is retried
func (b Backoff) Delay(attempt int) time.Duration {
	schedule := b.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return computeDelay(attempt, schedule, b.JitterPct, r)
}

// computeDelay maps a 1-based attempt onto the schedule. Jitter only adds
// time and stays below the next step, so delays never shrink between
// attempts. At the cap the delay is exact.
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64, r func() float64) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule)-1 {
		return schedule[len(schedule)-1]
	}
	base := schedule[idx]
	if jitterPct <= 0 {
		return base
	}
	d := base + time.Duration(float64(base)*jitterPct*r())
	if limit := schedule[idx+1] - 1; d > limit {
		d = limit
	}
	if d < base {
		d = base
	}
	return d
}

// classifyReason buckets a handler failure for the retry metrics
func classifyReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case housekeeper.IsPermanent(err):
		return "permanent"
	case housekeeper.IsTransient(err):
		return "store_unavailable"
	default:
		return "other"
	}
}
