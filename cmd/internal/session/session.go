package session

import (
	"context"
	"time"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/clock"
)

// State is the coarse authentication state exposed to callers.
type State string

const (
	// StateLoading means the startup identity check is still outstanding.
	StateLoading State = "loading"
	// StateAuthenticated means a session is active.
	StateAuthenticated State = "authenticated"
	// StateAnonymous means there is no session.
	StateAnonymous State = "anonymous"
)

// RefreshOutcome is the result of one Refresh call.
type RefreshOutcome string

const (
	RefreshSucceeded RefreshOutcome = "succeeded"
	RefreshSkipped   RefreshOutcome = "skipped"
	RefreshFailed    RefreshOutcome = "failed"
)

// Session is the authenticated identity plus the computed access-token expiry.
// ExpiresAt is zero until the server has declared a lifetime.
type Session struct {
	User      authapi.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
}

// Snapshot is a consistent copy of the manager state.
type Snapshot struct {
	State      State     `json:"state"`
	Session    *Session  `json:"session,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Refreshing bool      `json:"refreshing"`
	Generation uint64    `json:"generation"`
}

// AuthAPI is the subset of the auth client the manager depends on.
type AuthAPI interface {
	Login(ctx context.Context, creds authapi.Credentials) (authapi.LoginResult, error)
	Register(ctx context.Context, reg authapi.Registration) (authapi.User, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (authapi.User, error)
	Refresh(ctx context.Context) (authapi.RefreshResult, error)
	ListUsers(ctx context.Context) ([]authapi.UserSummary, error)
	DeleteUser(ctx context.Context, id int64) (string, error)
}

// Presence is the realtime channel whose lifetime follows the session.
// Both calls must be safe to invoke at any time and must not call back into
// the manager synchronously except through Manager.Active.
type Presence interface {
	Connect()
	Disconnect()
}

// Observer receives refresh and liveness measurements.
type Observer interface {
	RefreshObserved(outcome RefreshOutcome, took time.Duration)
	SessionActive(active bool)
}

type nopPresence struct{}

func (nopPresence) Connect()    {}
func (nopPresence) Disconnect() {}

type nopObserver struct{}

func (nopObserver) RefreshObserved(RefreshOutcome, time.Duration) {}
func (nopObserver) SessionActive(bool)                           {}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithPresence attaches the presence channel driven by the session lifecycle.
func WithPresence(p Presence) Option {
	return func(m *Manager) {
		if p != nil {
			m.presence = p
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithEventHandler registers a lifecycle event handler. Handlers run
// synchronously on the goroutine that caused the event and must not block.
func WithEventHandler(h EventHandler) Option {
	return func(m *Manager) {
		if h != nil {
			m.handlers = append(m.handlers, h)
		}
	}
}
