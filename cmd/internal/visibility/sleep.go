package visibility

import (
	"context"
	"time"
)

const (
	defaultSleepInterval = 10 * time.Second
	defaultSleepSlack    = 5 * time.Second
)

// SleepSource reports a background -> foreground transition when the host
// resumes from suspend. The monotonic clock stops while suspended and the
// wall clock does not, so a tick whose wall-clock gap exceeds its monotonic
// gap by more than slack marks a resume.
func SleepSource(interval, slack time.Duration) Source {
	if interval <= 0 {
		interval = defaultSleepInterval
	}
	if slack <= 0 {
		slack = defaultSleepSlack
	}
	return func(ctx context.Context, emit func(State)) {
		t := time.NewTicker(interval)
		defer t.Stop()

		prev := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if suspended(prev, now, slack) {
					emit(StateHidden)
					emit(StateVisible)
				}
				prev = now
			}
		}
	}
}

func suspended(prev, now time.Time, slack time.Duration) bool {
	wall := now.Round(0).Sub(prev.Round(0))
	mono := now.Sub(prev)
	return gap(wall, mono) > slack
}

func gap(wall, mono time.Duration) time.Duration {
	return wall - mono
}
