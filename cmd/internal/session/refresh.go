package session

import (
	"context"
	"fmt"
	"time"
)

const refreshKey = "refresh"

// Refresh renews the access token. If a refresh is already in flight it
// returns RefreshSkipped at once without touching the network.
//
// A failed refresh terminates the session before Refresh returns: presence is
// disconnected and EventSessionTerminated emitted. The returned error wraps
// ErrRefreshFailed.
func (m *Manager) Refresh(ctx context.Context) (RefreshOutcome, error) {
	if m.refreshing.Load() {
		m.log.Debug("session.refresh.skipped")
		m.obs.RefreshObserved(RefreshSkipped, 0)
		return RefreshSkipped, nil
	}
	return m.AwaitRefresh(ctx)
}

// AwaitRefresh joins the in-flight refresh or starts one, and returns its
// outcome. All concurrent callers observe the same result. If ctx ends first
// the refresh keeps running and AwaitRefresh returns RefreshSkipped with the
// context error.
func (m *Manager) AwaitRefresh(ctx context.Context) (RefreshOutcome, error) {
	if m.isClosed() {
		return RefreshSkipped, ErrClosed
	}
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		return m.runRefresh()
	})
	select {
	case <-ctx.Done():
		return RefreshSkipped, ctx.Err()
	case r := <-ch:
		outcome, _ := r.Val.(RefreshOutcome)
		if outcome == "" {
			outcome = RefreshFailed
		}
		return outcome, r.Err
	}
}

func (m *Manager) runRefresh() (RefreshOutcome, error) {
	m.mu.Lock()
	gen := m.gen
	m.refreshing.Store(true)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if gen == m.gen {
			m.refreshing.Store(false)
		}
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(m.lifetime, m.cfg.RefreshTimeout)
	defer cancel()

	start := time.Now()
	res, err := m.api.Refresh(ctx)
	took := time.Since(start)

	if err != nil {
		m.obs.RefreshObserved(RefreshFailed, took)
		m.terminate(gen, err)
		return RefreshFailed, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	m.obs.RefreshObserved(RefreshSucceeded, took)
	m.complete(gen, res.AccessTTL)
	return RefreshSucceeded, nil
}

func (m *Manager) complete(gen uint64, ttl time.Duration) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Debug("session.refresh.stale", "gen", gen)
		return
	}
	if ttl > 0 && m.armLocked(ttl) {
		// The server keeps issuing lifetimes inside the floor. Refreshing
		// again right away would loop, so fall back to the floor.
		m.log.Warn("session.refresh.lifetime_short", "lifetime", ttl)
		m.armAfterLocked(m.cfg.RefreshFloor)
	}
	var ev Event
	if m.sess != nil {
		ev = Event{Kind: EventSessionRefreshed, User: m.sess.User, ExpiresAt: m.sess.ExpiresAt}
	} else {
		ev = Event{Kind: EventSessionRefreshed}
	}
	m.mu.Unlock()

	m.log.Info("session.refresh.ok", "lifetime", ttl, "expires_at", ev.ExpiresAt)
	m.emit(ev)
}

// terminate clears the session after a failed refresh. Presence is torn down
// before it returns.
func (m *Manager) terminate(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Debug("session.refresh.stale", "gen", gen, "err", cause)
		return
	}
	prev := m.sess
	m.clearLocked()
	p := m.presenceLocked()
	m.mu.Unlock()

	m.flight.Forget(refreshKey)
	p.Disconnect()
	m.obs.SessionActive(false)

	ev := Event{Kind: EventSessionTerminated, Reason: "refresh_failed", Err: cause}
	if prev != nil {
		ev.User = prev.User
	}
	m.log.Warn("session.refresh.fail", "user_id", ev.User.ID, "err", cause)
	m.emit(ev)
}

// armLocked records the expiry for lifetime and schedules the next refresh,
// replacing any pending timer. It reports whether the lifetime is too short
// to schedule, in which case the caller must refresh now. A non-positive
// lifetime only stops the old timer.
func (m *Manager) armLocked(lifetime time.Duration) bool {
	m.stopTimerLocked()
	if lifetime <= 0 {
		return false
	}

	sch := Plan(m.clk.Now(), lifetime, m.cfg.RefreshLead, m.cfg.RefreshFloor)
	if m.sess != nil {
		m.sess.ExpiresAt = sch.ExpiresAt
	}
	if sch.Immediate {
		m.log.Info("session.refresh.immediate", "lifetime", lifetime)
		return true
	}
	m.armAfterLocked(sch.Delay)
	return false
}

func (m *Manager) armAfterLocked(d time.Duration) {
	m.stopTimerLocked()
	gen, seq := m.gen, m.timerSeq
	m.timer = m.clk.AfterFunc(d, func() { m.onTimer(gen, seq) })
	m.log.Debug("session.refresh.scheduled", "in", d)
}

func (m *Manager) onTimer(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || seq != m.timerSeq || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if _, err := m.Refresh(m.lifetime); err != nil {
		m.log.Debug("session.refresh.timer_fail", "err", err)
	}
}

func (m *Manager) refreshAsync() {
	go func() {
		if _, err := m.Refresh(m.lifetime); err != nil {
			m.log.Debug("session.refresh.async_fail", "err", err)
		}
	}()
}
