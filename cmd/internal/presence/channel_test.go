package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsdocs/cmd/internal/clock/clocktest"
	v1 "tsdocs/shared/contracts/presence/v1"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn delivers frames pushed by the test until closed.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { c.once.Do(func() { close(c.done) }) }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls atomic.Int32
}

// next queues the result of the next Dial: a conn when err is nil.
func (d *fakeDialer) next(err error) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.errs = append(d.errs, err)
		d.conns = append(d.conns, nil)
		return nil
	}
	c := newFakeConn()
	d.errs = append(d.errs, nil)
	d.conns = append(d.conns, c)
	return c
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	d.mu.Lock()
	if len(d.conns) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, err := d.conns[0], d.errs[0]
	d.conns, d.errs = d.conns[1:], d.errs[1:]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c, nil
}

type harness struct {
	ch     *Channel
	dialer *fakeDialer
	clk    *clocktest.Fake
	active atomic.Bool
	events chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		dialer: &fakeDialer{},
		clk:    clocktest.New(t0),
		events: make(chan Event, 64),
	}
	h.active.Store(true)
	h.ch = New(testLogger(), DefaultConfig(), h.dialer, h.active.Load,
		WithClock(h.clk),
		WithEventHandler(func(ev Event) { h.events <- ev }),
	)
	t.Cleanup(h.ch.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ch.State() == want }, time.Second, 2*time.Millisecond,
		"state=%s want=%s", h.ch.State(), want)
}

func (h *harness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
		return Event{}
	}
}

func frame(users ...string) []byte {
	msg := `{"type":"online_users","users":[`
	for i, u := range users {
		if i > 0 {
			msg += ","
		}
		msg += `{"id":` + strconv.Itoa(i+1) + `,"username":"` + u + `","role":"user"}`
	}
	return []byte(msg + `]}`)
}

func TestConnect_NoSessionIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.active.Store(false)

	h.ch.Connect()

	assert.Equal(t, StateDisconnected, h.ch.State())
	assert.Equal(t, int32(0), h.dialer.calls.Load())
}

func TestUsersReplacedWholesale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)

	conn.frames <- frame("alice", "bob")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 2 }, time.Second, 2*time.Millisecond)

	conn.frames <- frame("alice")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "alice", h.ch.Users()[0].Username)

	conn.frames <- []byte(`{"type":"online_users","users":[]}`)
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 0 }, time.Second, 2*time.Millisecond)
}

func TestBadFrameIsLoggedOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)

	conn.frames <- []byte(`{not json`)
	conn.frames <- frame("alice")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateConnected, h.ch.State())
}

func TestDropSchedulesReconnectAfterDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.dialer.next(nil)
	second := h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)
	first.frames <- frame("alice", "bob")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 2 }, time.Second, 2*time.Millisecond)

	first.drop()
	h.waitState(t, StateReconnectPending)

	assert.Equal(t, []time.Time{t0.Add(3 * time.Second)}, h.clk.Pending())
	// Users survive a close until the next message.
	assert.Len(t, h.ch.Users(), 2)

	h.clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, int32(1), h.dialer.calls.Load())

	h.clk.Advance(time.Millisecond)
	h.waitState(t, StateConnected)
	assert.Equal(t, int32(2), h.dialer.calls.Load())
	assert.Empty(t, h.clk.Pending())

	second.frames <- frame("alice")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(1), h.ch.Snapshot().Reconnects)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.next(errors.New("connection refused"))

	h.ch.Connect()
	h.waitState(t, StateReconnectPending)
	require.Equal(t, []time.Time{t0.Add(3 * time.Second)}, h.clk.Pending())

	h.ch.Disconnect()
	assert.Empty(t, h.clk.Pending())
	assert.Equal(t, StateDisconnected, h.ch.State())

	h.clk.Advance(10 * time.Second)
	assert.Equal(t, int32(1), h.dialer.calls.Load())
	assert.Equal(t, StateDisconnected, h.ch.State())

	// Idempotent.
	h.ch.Disconnect()
	assert.Equal(t, StateDisconnected, h.ch.State())
}

func TestDisconnectClosesConnAndClearsUsers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)
	conn.frames <- frame("alice")
	require.Eventually(t, func() bool { return len(h.ch.Users()) == 1 }, time.Second, 2*time.Millisecond)

	h.ch.Disconnect()

	assert.Equal(t, StateDisconnected, h.ch.State())
	assert.Empty(t, h.ch.Users())
	assert.Equal(t, int32(1), conn.closes.Load())

	// The reader's close is stale and must not schedule a reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.clk.Pending())
	assert.Equal(t, StateDisconnected, h.ch.State())
}

func TestNoReconnectWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)

	h.active.Store(false)
	conn.drop()
	h.waitState(t, StateDisconnected)
	assert.Empty(t, h.clk.Pending())
}

func TestReconnectDueChecksSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.next(errors.New("connection refused"))

	h.ch.Connect()
	h.waitState(t, StateReconnectPending)

	h.active.Store(false)
	h.clk.Advance(3 * time.Second)

	assert.Equal(t, StateDisconnected, h.ch.State())
	assert.Equal(t, int32(1), h.dialer.calls.Load())
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	first := h.dialer.next(nil)
	h.dialer.next(nil)

	h.ch.Connect()
	h.waitState(t, StateConnected)
	firstID := h.ch.Snapshot().ConnID

	h.ch.Connect()
	require.Eventually(t, func() bool {
		s := h.ch.Snapshot()
		return s.State == StateConnected && s.ConnID != firstID
	}, time.Second, 2*time.Millisecond)

	assert.Equal(t, int32(1), first.closes.Load())
	assert.Empty(t, h.clk.Pending())
}

func TestStaleOpenIsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// No queued result: the dial blocks until its context ends.
	h.ch.Connect()
	require.Eventually(t, func() bool { return h.dialer.calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	h.ch.Disconnect()
	assert.Equal(t, StateDisconnected, h.ch.State())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.clk.Pending())
}

func TestEventsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dialer.next(nil)

	h.ch.Connect()
	assert.Equal(t, EventConnected, h.nextEvent(t).Kind)

	conn.drop()
	closed := h.nextEvent(t)
	assert.Equal(t, EventClosed, closed.Kind)
	assert.NotEmpty(t, closed.ConnID)
	assert.Equal(t, EventReconnectScheduled, h.nextEvent(t).Kind)

	h.ch.Disconnect()
	assert.Equal(t, EventDisconnected, h.nextEvent(t).Kind)
}

func TestSnapshotUsersNeverNil(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	snap := h.ch.Snapshot()
	assert.NotNil(t, snap.Users)
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Equal(t, []v1.OnlineUser{}, snap.Users)
}
