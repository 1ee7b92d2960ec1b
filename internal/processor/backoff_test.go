package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
)

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	tests := []struct {
		name    string
		attempt int
		jitter  float64
		r       float64
		want    time.Duration
	}{
		{name: "first attempt no jitter", attempt: 1, jitter: 0, r: 0.9, want: time.Second},
		{name: "zero attempt maps to first step", attempt: 0, jitter: 0, r: 0, want: time.Second},
		{name: "jitter adds time", attempt: 1, jitter: 0.5, r: 1, want: 1500 * time.Millisecond},
		{name: "jitter clamped below next step", attempt: 2, jitter: 10, r: 1, want: 16*time.Second - 1},
		{name: "cap is exact", attempt: 3, jitter: 0.5, r: 1, want: 16 * time.Second},
		{name: "beyond schedule stays at cap", attempt: 50, jitter: 0.5, r: 1, want: 16 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeDelay(tt.attempt, schedule, tt.jitter, func() float64 { return tt.r })
			if got != tt.want {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffNeverShrinks(t *testing.T) {
	b := Backoff{Schedule: DefaultSchedule, JitterPct: 0.25}
	for run := 0; run < 50; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= len(DefaultSchedule)+2; attempt++ {
			d := b.Delay(attempt)
			if d < prev {
				t.Fatalf("attempt %d delay %v shorter than previous %v", attempt, d, prev)
			}
			prev = d
		}
	}
	if d := (Backoff{}).Delay(1); d < time.Second || d >= 4*time.Second {
		t.Errorf("zero Backoff uses default schedule, got %v", d)
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrapped: %w", context.Canceled), "canceled"},
		{housekeeper.Permanent("bad", nil), "permanent"},
		{housekeeper.Transient("timeseries", "delete", errors.New("conn reset")), "store_unavailable"},
		{errors.New("something"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
