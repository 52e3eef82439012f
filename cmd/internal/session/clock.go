package session

import "time"

// Schedule is the outcome of planning the next proactive refresh.
type Schedule struct {
	// ExpiresAt is the absolute access-token expiry (wall clock).
	ExpiresAt time.Time

	// Delay is how long to wait before refreshing. Zero when Immediate.
	Delay time.Duration

	// Immediate means the remaining lifetime is too short to schedule.
	Immediate bool
}

// Plan computes the expiry instant and the refresh delay for a token lifetime.
//
// The refresh targets expiry-lead, never earlier than floor from now; a delay
// that would not exceed the floor means "refresh now".
func Plan(now time.Time, lifetime, lead, floor time.Duration) Schedule {
	// Round(0) drops the monotonic reading: expiry is compared against wall
	// time after host sleep, when the monotonic clock has not advanced.
	s := Schedule{ExpiresAt: now.Round(0).Add(lifetime)}

	delay := lifetime - lead
	if delay < floor {
		delay = floor
	}
	if delay <= floor {
		s.Immediate = true
		return s
	}
	s.Delay = delay
	return s
}
