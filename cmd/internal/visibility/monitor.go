// Package visibility re-checks the session when the agent comes back to the
// foreground.
//
// Timers do not fire while a host is suspended or a process is stopped, so
// the scheduled refresh can be missed. On every background -> foreground
// transition the Monitor compares the computed expiry with the wall clock and
// refreshes at once when the token has expired or is about to.
package visibility

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tsdocs/cmd/internal/clock"
	"tsdocs/cmd/internal/session"
)

const defaultThreshold = 60 * time.Second

// State is the foreground/background state reported by a source.
type State string

const (
	StateVisible State = "visible"
	StateHidden  State = "hidden"
)

// ParseState accepts "visible" or "hidden" in any case.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateVisible:
		return StateVisible, nil
	case StateHidden:
		return StateHidden, nil
	default:
		return "", fmt.Errorf("unknown visibility state %q", s)
	}
}

// Check results reported to the Observer.
const (
	ResultStale     = "stale"
	ResultFresh     = "fresh"
	ResultNoSession = "no_session"
	// ResultNoExpiry means a session exists but no lifetime was declared yet.
	ResultNoExpiry = "no_expiry"
)

// Results lists every check result.
var Results = []string{ResultStale, ResultFresh, ResultNoSession, ResultNoExpiry}

// Target is the session being kept alive.
type Target interface {
	Active() bool
	Expiry() (time.Time, bool)
	Refresh(ctx context.Context) (session.RefreshOutcome, error)
}

// Observer counts foreground checks by result.
type Observer interface {
	VisibilityCheck(result string)
}

type nopObserver struct{}

func (nopObserver) VisibilityCheck(string) {}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithThreshold sets how close to expiry a foreground check must be to refresh.
func WithThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		if o != nil {
			m.obs = o
		}
	}
}

// Monitor turns visibility changes into at most one refresh each.
type Monitor struct {
	log       *slog.Logger
	target    Target
	clk       clock.Clock
	threshold time.Duration
	obs       Observer

	mu   sync.Mutex
	last State
}

// New builds a Monitor for target.
func New(log *slog.Logger, target Target, opts ...Option) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		log:       log,
		target:    target,
		clk:       clock.Real(),
		threshold: defaultThreshold,
		obs:       nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Last returns the most recently reported state, empty before the first report.
func (m *Monitor) Last() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Handle records s. On a transition into StateVisible it refreshes the
// session when the remaining lifetime is below the threshold (already expired
// included). It reports whether a refresh was triggered.
func (m *Monitor) Handle(ctx context.Context, s State) bool {
	m.mu.Lock()
	prev := m.last
	m.last = s
	m.mu.Unlock()

	if s != StateVisible || prev == StateVisible {
		return false
	}

	if !m.target.Active() {
		m.obs.VisibilityCheck(ResultNoSession)
		return false
	}
	expiresAt, ok := m.target.Expiry()
	if !ok {
		m.obs.VisibilityCheck(ResultNoExpiry)
		m.log.Debug("visibility.check.no_expiry")
		return false
	}

	remaining := expiresAt.Sub(m.clk.Now().Round(0))
	if remaining >= m.threshold {
		m.obs.VisibilityCheck(ResultFresh)
		m.log.Debug("visibility.check.fresh", "remaining", remaining)
		return false
	}

	m.obs.VisibilityCheck(ResultStale)
	m.log.Info("visibility.check.stale", "remaining", remaining)
	if _, err := m.target.Refresh(ctx); err != nil {
		m.log.Warn("visibility.refresh.fail", "err", err)
	}
	return true
}

// Source feeds visibility states into emit until ctx ends.
type Source func(ctx context.Context, emit func(State))

// Run consumes sources until ctx is cancelled. States are handled one at a
// time in arrival order.
func (m *Monitor) Run(ctx context.Context, sources ...Source) {
	states := make(chan State, 8)
	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			src(ctx, func(s State) {
				select {
				case states <- s:
				case <-ctx.Done():
				}
			})
		}(src)
	}

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			m.Handle(ctx, s)
		}
	}
}
