package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsdocs/cmd/internal/authapi"
)

func TestLogin_ArmsRefreshAtLead(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 300 * time.Second}

	sess, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, "alice", sess.User.Username)
	assert.True(t, sess.ExpiresAt.Equal(t0.Add(300*time.Second)))
	assert.Equal(t, []time.Time{t0.Add(180 * time.Second)}, h.clk.Pending())
	assert.True(t, h.m.Active())
	assert.Equal(t, int32(1), h.presence.connects.Load())
	assert.Equal(t, StateAuthenticated, h.m.Snapshot().State)
	assert.Equal(t, []EventKind{EventSessionStarted}, h.events.kinds())

	select {
	case <-h.m.Ready():
	default:
		t.Fatal("expected Ready to be closed after login")
	}
}

func TestLogin_ShortLifetimeRefreshesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 60 * time.Second}

	_, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	require.NoError(t, err)

	assert.Empty(t, h.clk.Pending())
	require.Eventually(t, func() bool {
		return h.api.refreshCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLogin_FailureLeavesSessionEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginErr = &authapi.APIError{Status: 401, Detail: "Invalid credentials"}

	_, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice", Password: "bad"})
	require.Error(t, err)
	assert.ErrorIs(t, err, authapi.ErrUnauthorized)

	_, ok := h.m.Current()
	assert.False(t, ok)
	assert.Equal(t, int32(0), h.presence.connects.Load())
	assert.Empty(t, h.clk.Pending())
}

func TestLogout_CancelsTimerAndPresence(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 300 * time.Second}
	_, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	require.NoError(t, err)

	require.NoError(t, h.m.Logout(context.Background()))

	assert.Empty(t, h.clk.Pending())
	assert.False(t, h.m.Active())
	assert.Equal(t, int32(1), h.presence.disconnects.Load())
	assert.Equal(t, int32(1), h.api.logoutCalls.Load())
	assert.Equal(t, StateAnonymous, h.m.Snapshot().State)
	assert.Equal(t, []EventKind{EventSessionStarted, EventSessionEnded}, h.events.kinds())

	// The old timer deadline passing must not trigger anything.
	h.clk.Advance(10 * time.Minute)
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())
}

func TestLogout_ClearsSessionEvenWhenServerFails(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 300 * time.Second}
	h.api.logoutErr = errors.New("connection reset")
	_, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	require.NoError(t, err)

	err = h.m.Logout(context.Background())
	require.Error(t, err)

	_, ok := h.m.Current()
	assert.False(t, ok)
	assert.Empty(t, h.clk.Pending())
}

func TestStart_LoadingUntilIdentityCheckSettles(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.current = alice()
	h.api.refreshRes = authapi.RefreshResult{AccessTTL: 15 * time.Minute}
	gate, entered := h.api.block()

	done := make(chan error, 1)
	go func() { done <- h.m.Start(context.Background()) }()

	<-entered
	assert.Equal(t, StateLoading, h.m.Snapshot().State)
	select {
	case <-h.m.Ready():
		t.Fatal("Ready closed while identity check outstanding")
	default:
	}

	// Prime refresh goes through the same gate; it is already open.
	close(gate)
	require.NoError(t, <-done)
	<-h.m.Ready()

	snap := h.m.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "alice", snap.Session.User.Username)
	assert.Equal(t, int32(1), h.presence.connects.Load())
	assert.Equal(t, int32(1), h.api.refreshCalls.Load())
	assert.Equal(t, []time.Time{t0.Add(13 * time.Minute)}, h.clk.Pending())
	assert.Equal(t, []EventKind{EventSessionResumed, EventSessionRefreshed}, h.events.kinds())
}

func TestStart_AnonymousWhenNoSession(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.currentErr = &authapi.APIError{Status: 401, Detail: "Authentication credentials were not provided."}

	require.NoError(t, h.m.Start(context.Background()))

	assert.Equal(t, StateAnonymous, h.m.Snapshot().State)
	assert.False(t, h.m.Active())
	assert.Equal(t, int32(0), h.presence.connects.Load())
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())
	assert.ErrorIs(t, h.m.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart_WithoutPrime(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PrimeOnStart = false
	h := newHarness(cfg)
	h.api.current = alice()

	require.NoError(t, h.m.Start(context.Background()))

	assert.True(t, h.m.Active())
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())
	_, ok := h.m.Expiry()
	assert.False(t, ok)
}

func TestAdminOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.users = []authapi.UserSummary{{User: alice(), IsActive: true}}

	_, err := h.m.ListUsers(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 300 * time.Second}
	_, err = h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	require.NoError(t, err)
	assert.False(t, h.m.IsAdmin())

	_, err = h.m.DeleteUser(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotAdmin)

	h.api.loginRes = authapi.LoginResult{User: root(), AccessTTL: 300 * time.Second}
	_, err = h.m.Login(context.Background(), authapi.Credentials{Username: "root"})
	require.NoError(t, err)
	assert.True(t, h.m.IsAdmin())

	users, err := h.m.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)

	detail, err := h.m.DeleteUser(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEmpty(t, detail)
	assert.Equal(t, []int64{7}, h.api.deleted)

	// Second login replaced the first; only one refresh timer exists.
	assert.Len(t, h.clk.Pending(), 1)
}

func TestRegister_DoesNotStartSession(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	u, err := h.m.Register(context.Background(), authapi.Registration{Username: "bob", Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.False(t, h.m.Active())
}

func TestClose_StopsTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(DefaultConfig())
	h.api.loginRes = authapi.LoginResult{User: alice(), AccessTTL: 300 * time.Second}
	_, err := h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	require.NoError(t, err)

	h.m.Close()
	h.m.Close()

	assert.Empty(t, h.clk.Pending())
	_, err = h.m.AwaitRefresh(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.m.Login(context.Background(), authapi.Credentials{Username: "alice"})
	assert.ErrorIs(t, err, ErrClosed)
}
