package presence

import (
	"sync"
	"time"
)

// stormDetector is a sliding-window counter of reconnects. It reports the
// transition into a storm once, and re-arms after the window drains.
type stormDetector struct {
	mu      sync.Mutex
	events  []time.Time
	limit   int
	window  time.Duration
	tripped bool
}

func newStormDetector(limit int, window time.Duration) *stormDetector {
	if limit <= 0 {
		limit = defaultStormLimit
	}
	if window <= 0 {
		window = defaultStormWindow
	}
	return &stormDetector{
		events: make([]time.Time, 0, limit+1),
		limit:  limit,
		window: window,
	}
}

// Observe records a reconnect at now and reports whether it started a storm.
func (s *stormDetector) Observe(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := now.Add(-s.window)
	dst := s.events[:0]
	for _, t := range s.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	s.events = append(dst, now)

	if len(s.events) <= s.limit {
		s.tripped = false
		return false
	}
	if s.tripped {
		return false
	}
	s.tripped = true
	return true
}

// Count returns the number of reconnects currently inside the window.
func (s *stormDetector) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
