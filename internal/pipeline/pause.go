package pipeline

import (
	"context"
	"time"
)

// Pause waits for delay or until ctx finishes, whichever comes first.
// Used for the per-request courtesy delay and for drain waits.
func Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
