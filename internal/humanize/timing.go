package humanize

import (
	"context"
	"math/rand"
	"time"
)

// RandomDuration returns a duration drawn uniformly from
// [minMs, maxMs] milliseconds.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
}

// PollInterval returns a jittered challenge-poll interval. A fixed
// poll cadence is itself a bot signal.
func PollInterval() time.Duration {
	return RandomDuration(800, 1500)
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepBetween waits a random duration in [minMs, maxMs] milliseconds.
func SleepBetween(ctx context.Context, minMs, maxMs int) bool {
	return Sleep(ctx, RandomDuration(minMs, maxMs))
}
