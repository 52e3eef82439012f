package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/clock"
)

// Manager is the session store. All methods are safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	cfg      Config
	api      AuthAPI
	clk      clock.Clock
	presence Presence
	obs      Observer
	handlers []EventHandler

	// lifetime scopes background refreshes; cancelled by Close.
	lifetime context.Context
	stop     context.CancelFunc

	mu        sync.Mutex
	state     State
	sess      *Session
	timer     clock.Timer
	timerSeq  uint64
	gen       uint64
	started   bool
	closed    bool
	ready     chan struct{}
	readyOnce sync.Once

	active     atomic.Bool
	refreshing atomic.Bool
	flight     singleflight.Group
}

// NewManager builds a Manager in StateLoading. Call Start to run the
// identity check, or Login directly.
func NewManager(log *slog.Logger, cfg Config, api AuthAPI, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:      log,
		cfg:      cfg.normalized(),
		api:      api,
		clk:      clock.Real(),
		presence: nopPresence{},
		obs:      nopObserver{},
		lifetime: ctx,
		stop:     cancel,
		state:    StateLoading,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPresence attaches the presence channel after construction. The channel
// usually needs Manager.Active, so it is built after the manager.
func (m *Manager) SetPresence(p Presence) {
	if p == nil {
		p = nopPresence{}
	}
	m.mu.Lock()
	m.presence = p
	m.mu.Unlock()
}

func (m *Manager) presenceLocked() Presence {
	return m.presence
}

// Start runs the one-time identity check against /auth/user/. While it is
// outstanding the state is StateLoading. A failed check is not an error: the
// manager simply becomes anonymous.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	gen := m.gen
	m.mu.Unlock()

	defer m.markReady()

	u, err := m.api.CurrentUser(ctx)

	m.mu.Lock()
	if gen != m.gen {
		// A login or logout raced the check and owns the state now.
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.state = StateAnonymous
		m.mu.Unlock()
		m.markReady()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Info("session.resume.none", "err", err)
		return nil
	}
	m.installLocked(u)
	p := m.presenceLocked()
	m.mu.Unlock()

	m.markReady()
	m.obs.SessionActive(true)
	p.Connect()
	m.log.Info("session.resume.ok", "user_id", u.ID, "username", u.Username)
	m.emit(Event{Kind: EventSessionResumed, User: u})

	if m.cfg.PrimeOnStart {
		// The identity check does not declare a lifetime; a refresh does.
		if _, err := m.Refresh(ctx); err != nil {
			m.log.Warn("session.resume.prime_fail", "err", err)
		}
	}
	return nil
}

// Ready is closed once the startup identity check has settled or a login
// completed, whichever comes first.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

func (m *Manager) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Login authenticates, installs the session, arms the refresh clock and
// connects presence.
func (m *Manager) Login(ctx context.Context, creds authapi.Credentials) (Session, error) {
	if m.isClosed() {
		return Session{}, ErrClosed
	}
	res, err := m.api.Login(ctx, creds)
	if err != nil {
		m.log.Info("session.login.fail", "username", creds.Username, "err", err)
		return Session{}, fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	m.installLocked(res.User)
	immediate := m.armLocked(res.AccessTTL)
	sess := *m.sess
	p := m.presenceLocked()
	m.mu.Unlock()

	m.flight.Forget(refreshKey)
	m.markReady()
	m.obs.SessionActive(true)
	p.Connect()
	if immediate {
		m.refreshAsync()
	}

	m.log.Info("session.login.ok",
		"user_id", sess.User.ID,
		"username", sess.User.Username,
		"expires_at", sess.ExpiresAt,
	)
	m.emit(Event{Kind: EventSessionStarted, User: sess.User, ExpiresAt: sess.ExpiresAt})
	return sess, nil
}

// Register creates an account. It does not start a session.
func (m *Manager) Register(ctx context.Context, reg authapi.Registration) (authapi.User, error) {
	u, err := m.api.Register(ctx, reg)
	if err != nil {
		return authapi.User{}, fmt.Errorf("register: %w", err)
	}
	m.log.Info("session.register.ok", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Logout cancels the refresh timer, disconnects presence, tells the server
// and clears the session. The session is cleared regardless of the server
// result; the wire error is returned for logging only.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	prev := m.sess
	m.clearLocked()
	p := m.presenceLocked()
	m.mu.Unlock()

	m.flight.Forget(refreshKey)
	p.Disconnect()
	m.obs.SessionActive(false)

	err := m.api.Logout(ctx)
	if err != nil {
		m.log.Warn("session.logout.remote_fail", "err", err)
	}

	ev := Event{Kind: EventSessionEnded, Reason: "logout"}
	if prev != nil {
		ev.User = prev.User
	}
	m.log.Info("session.logout", "user_id", ev.User.ID)
	m.emit(ev)

	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close stops the refresh timer and cancels background refreshes. It does
// not log out, so a client with a persistent cookie store resumes the session
// on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.stop()
	m.markReady()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Current returns the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

// Active reports whether a session exists. It never takes the manager lock,
// so the presence channel may call it from inside its own lock.
func (m *Manager) Active() bool {
	return m.active.Load()
}

// IsAdmin reports whether the session user has the admin role.
func (m *Manager) IsAdmin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil && m.sess.User.Role == m.cfg.AdminRole
}

// Expiry returns the computed access-token expiry. ok is false without a
// session or before any lifetime was declared.
func (m *Manager) Expiry() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return m.sess.ExpiresAt, true
}

// Snapshot returns a consistent copy of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:      m.state,
		Refreshing: m.refreshing.Load(),
		Generation: m.gen,
	}
	if m.sess != nil {
		cp := *m.sess
		s.Session = &cp
		s.ExpiresAt = cp.ExpiresAt
	}
	return s
}

// ListUsers returns all accounts. Admin only.
func (m *Manager) ListUsers(ctx context.Context) ([]authapi.UserSummary, error) {
	if err := m.requireAdmin(); err != nil {
		return nil, err
	}
	users, err := m.api.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// DeleteUser removes an account and returns the server's detail message. Admin only.
func (m *Manager) DeleteUser(ctx context.Context, id int64) (string, error) {
	if err := m.requireAdmin(); err != nil {
		return "", err
	}
	detail, err := m.api.DeleteUser(ctx, id)
	if err != nil {
		return "", fmt.Errorf("delete user %d: %w", id, err)
	}
	m.log.Info("session.admin.user_deleted", "target_id", id)
	return detail, nil
}

func (m *Manager) requireAdmin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ErrNotAuthenticated
	}
	if m.sess.User.Role != m.cfg.AdminRole {
		return ErrNotAdmin
	}
	return nil
}

// installLocked replaces any previous session with u and starts a new
// generation. The caller arms the clock separately.
func (m *Manager) installLocked(u authapi.User) {
	m.stopTimerLocked()
	m.gen++
	m.refreshing.Store(false)
	m.sess = &Session{User: u}
	m.state = StateAuthenticated
	m.active.Store(true)
}

// clearLocked drops the session and everything that belongs to it.
func (m *Manager) clearLocked() {
	m.stopTimerLocked()
	m.gen++
	m.refreshing.Store(false)
	m.sess = nil
	m.state = StateAnonymous
	m.active.Store(false)
}

// stopTimerLocked cancels the pending refresh timer. Bumping timerSeq also
// disarms a callback that already fired and is waiting for the lock.
func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// IsTerminal reports whether err ended the session.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRefreshFailed)
}
