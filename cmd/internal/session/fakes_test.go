package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/clock"
	"tsdocs/cmd/internal/clock/clocktest"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu sync.Mutex

	loginRes   authapi.LoginResult
	loginErr   error
	current    authapi.User
	currentErr error
	refreshRes authapi.RefreshResult
	refreshErr error
	logoutErr  error
	users      []authapi.UserSummary
	deleted    []int64

	// When set, Refresh and CurrentUser signal entered and block on gate.
	gate    chan struct{}
	entered chan struct{}

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func (f *fakeAPI) wait(ctx context.Context) error {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	if entered != nil {
		entered <- struct{}{}
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAPI) block() (gate, entered chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 16)
	return f.gate, f.entered
}

func (f *fakeAPI) Login(_ context.Context, _ authapi.Credentials) (authapi.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginRes, f.loginErr
}

func (f *fakeAPI) Register(_ context.Context, reg authapi.Registration) (authapi.User, error) {
	return authapi.User{ID: 99, Username: reg.Username, Email: reg.Email, Role: "user"}, nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.logoutCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutErr
}

func (f *fakeAPI) CurrentUser(ctx context.Context) (authapi.User, error) {
	if err := f.wait(ctx); err != nil {
		return authapi.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

func (f *fakeAPI) Refresh(ctx context.Context) (authapi.RefreshResult, error) {
	f.refreshCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return authapi.RefreshResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshRes, f.refreshErr
}

func (f *fakeAPI) ListUsers(context.Context) ([]authapi.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, nil
}

func (f *fakeAPI) DeleteUser(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return "User deleted successfully.", nil
}

type fakePresence struct {
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (p *fakePresence) Connect()    { p.connects.Add(1) }
func (p *fakePresence) Disconnect() { p.disconnects.Add(1) }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []RefreshOutcome
	active   []bool
}

func (o *recordingObserver) RefreshObserved(outcome RefreshOutcome, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionActive(active bool) {
	o.mu.Lock()
	o.active = append(o.active, active)
	o.mu.Unlock()
}

type harness struct {
	m        *Manager
	api      *fakeAPI
	clk      *clocktest.Fake
	presence *fakePresence
	events   *eventLog
	obs      *recordingObserver
}

func newHarness(cfg Config) *harness {
	h := &harness{
		api:      &fakeAPI{},
		clk:      clocktest.New(t0),
		presence: &fakePresence{},
		events:   &eventLog{},
		obs:      &recordingObserver{},
	}
	h.m = NewManager(testLogger(), cfg, h.api,
		WithClock(h.clk),
		WithPresence(h.presence),
		WithObserver(h.obs),
		WithEventHandler(h.events.handle),
	)
	return h
}

func alice() authapi.User {
	return authapi.User{ID: 1, Username: "alice", Email: "alice@example.com", Role: "user"}
}

func root() authapi.User {
	return authapi.User{ID: 2, Username: "root", Email: "root@example.com", Role: "admin"}
}

// racyClock hands out timers whose Stop always reports that the callback
// already fired, as happens when it is blocked on the manager lock. Tests
// run the callbacks by hand.
type racyClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*racyTimer
}

type racyTimer struct {
	c       *racyClock
	at      time.Time
	f       func()
	stopped bool
}

func (c *racyClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *racyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &racyTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *racyTimer) Stop() bool {
	t.c.mu.Lock()
	t.stopped = true
	t.c.mu.Unlock()
	return false
}

// live returns the timers nobody stopped.
func (c *racyClock) live() []*racyTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*racyTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

func (c *racyClock) timer(i int) *racyTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}
