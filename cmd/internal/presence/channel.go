package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tsdocs/cmd/identity/ids"
	"tsdocs/cmd/internal/clock"
	v1 "tsdocs/shared/contracts/presence/v1"
)

type eventKind uint8

const (
	evConnect eventKind = iota + 1
	evOpened
	evDialFailed
	evMessage
	evTransportError
	evClosed
	evReconnectDue
	evDisconnect
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evOpened:
		return "opened"
	case evDialFailed:
		return "dial_failed"
	case evMessage:
		return "message"
	case evTransportError:
		return "transport_error"
	case evClosed:
		return "closed"
	case evReconnectDue:
		return "reconnect_due"
	case evDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// input is one event fed to the dispatcher.
type input struct {
	kind     eventKind
	attempt  uint64
	timerGen uint64
	conn     Conn
	msg      v1.Message
	err      error
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(ch *Channel) {
		if c != nil {
			ch.clk = c
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(ch *Channel) {
		if o != nil {
			ch.obs = o
		}
	}
}

// WithEventHandler registers a lifecycle hook. Hooks run after the
// transition, outside the channel lock.
func WithEventHandler(h func(Event)) Option {
	return func(ch *Channel) {
		if h != nil {
			ch.hooks = append(ch.hooks, h)
		}
	}
}

// Channel is the presence connection owner.
type Channel struct {
	log    *slog.Logger
	cfg    Config
	dialer Dialer
	active func() bool
	clk    clock.Clock
	obs    Observer
	hooks  []func(Event)
	storm  *stormDetector

	lifetime context.Context
	stop     context.CancelFunc

	mu          sync.Mutex
	state       State
	attempt     uint64
	conn        Conn
	cancelRun   context.CancelFunc
	timer       clock.Timer
	timerGen    uint64
	users       []v1.OnlineUser
	connID      string
	connectedAt time.Time
	reconnects  uint64
	lastErr     string
	closed      bool
}

// New builds a disconnected Channel. active reports whether a session exists;
// it is consulted on connect and before every reconnect and must not block.
func New(log *slog.Logger, cfg Config, dialer Dialer, active func() bool, opts ...Option) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if active == nil {
		active = func() bool { return false }
	}
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())

	ch := &Channel{
		log:      log,
		cfg:      cfg,
		dialer:   dialer,
		active:   active,
		clk:      clock.Real(),
		obs:      nopObserver{},
		storm:    newStormDetector(cfg.StormLimit, cfg.StormWindow),
		lifetime: ctx,
		stop:     cancel,
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.obs.PresenceState(StateDisconnected)
	return ch
}

// Connect opens a fresh connection, replacing any existing one. Without an
// active session it does nothing.
func (c *Channel) Connect() {
	c.dispatch(input{kind: evConnect})
}

// Disconnect tears everything down: pending reconnect, open connection and
// the user list. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.dispatch(input{kind: evDisconnect})
}

// Close disconnects and makes every later Connect a no-op.
func (c *Channel) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Users returns a copy of the current online users list.
func (c *Channel) Users() []v1.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return v1.CloneUsers(c.users)
}

// Snapshot returns a consistent copy of the channel state.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := v1.CloneUsers(c.users)
	if users == nil {
		users = []v1.OnlineUser{}
	}
	return Snapshot{
		State:       c.state,
		Users:       users,
		ConnID:      c.connID,
		ConnectedAt: c.connectedAt,
		Reconnects:  c.reconnects,
		LastError:   c.lastErr,
	}
}

// effects are side effects collected under the lock and run after it.
type effects struct {
	closeConns []Conn
	events     []Event
}

// dispatch applies one input. It reports whether the input was accepted;
// inputs from superseded attempts or timers are dropped.
func (c *Channel) dispatch(in input) bool {
	var fx effects

	c.mu.Lock()
	ok := c.handleLocked(in, &fx)
	c.mu.Unlock()

	for _, conn := range fx.closeConns {
		_ = conn.Close()
	}
	for _, ev := range fx.events {
		for _, h := range c.hooks {
			h(ev)
		}
	}
	return ok
}

func (c *Channel) handleLocked(in input, fx *effects) bool {
	switch in.kind {
	case evConnect:
		return c.connectLocked(fx)

	case evOpened:
		if in.attempt != c.attempt || c.state != StateConnecting {
			return false
		}
		c.conn = in.conn
		c.stopTimerLocked()
		c.connID = newConnID(c.clk.Now())
		c.connectedAt = c.clk.Now()
		c.lastErr = ""
		c.setStateLocked(StateConnected)
		c.log.Info("presence.connected", "conn_id", c.connID, "attempt", in.attempt)
		fx.events = append(fx.events, c.eventLocked(EventConnected, in.attempt, nil))
		return true

	case evDialFailed, evClosed:
		if in.attempt != c.attempt {
			return false
		}
		if c.conn != nil {
			fx.closeConns = append(fx.closeConns, c.conn)
			c.conn = nil
		}
		c.cancelRunLocked()
		if in.err != nil {
			c.lastErr = in.err.Error()
		}
		c.log.Info("presence.closed", "conn_id", c.connID, "kind", in.kind.String(), "reason", closeReason(in.err))
		fx.events = append(fx.events, c.eventLocked(EventClosed, in.attempt, in.err))
		c.connID = ""
		c.scheduleReconnectLocked(fx)
		return true

	case evMessage:
		if in.attempt != c.attempt || c.state != StateConnected {
			return false
		}
		c.obs.PresenceMessage(in.msg.Type)
		if in.msg.Type != v1.TypeOnlineUsers {
			c.log.Debug("presence.message.ignored", "type", in.msg.Type)
			return true
		}
		c.users = v1.CloneUsers(in.msg.Users)
		c.obs.PresenceUsers(len(c.users))
		c.log.Debug("presence.users", "count", len(c.users))
		return true

	case evTransportError:
		if in.attempt != c.attempt {
			return false
		}
		c.log.Warn("presence.transport.error", "conn_id", c.connID, "err", in.err)
		return true

	case evReconnectDue:
		if in.timerGen != c.timerGen || c.state != StateReconnectPending {
			return false
		}
		c.timer = nil
		return c.connectLocked(fx)

	case evDisconnect:
		c.disconnectLocked(fx)
		return true
	}
	return false
}

func (c *Channel) connectLocked(fx *effects) bool {
	if c.closed {
		c.log.Debug("presence.connect.skipped", "err", ErrClosed)
		return false
	}
	if !c.active() {
		c.log.Debug("presence.connect.skipped", "err", ErrNoSession)
		if c.state == StateReconnectPending {
			c.stopTimerLocked()
			c.setStateLocked(StateDisconnected)
		}
		return false
	}

	if c.conn != nil {
		fx.closeConns = append(fx.closeConns, c.conn)
		c.conn = nil
	}
	c.cancelRunLocked()
	c.stopTimerLocked()

	c.attempt++
	ctx, cancel := context.WithCancel(c.lifetime)
	c.cancelRun = cancel
	c.setStateLocked(StateConnecting)
	c.log.Debug("presence.connecting", "attempt", c.attempt)

	go c.run(ctx, c.attempt)
	return true
}

func (c *Channel) disconnectLocked(fx *effects) {
	wasIdle := c.state == StateDisconnected && c.conn == nil && c.timer == nil

	c.stopTimerLocked()
	if c.conn != nil {
		fx.closeConns = append(fx.closeConns, c.conn)
		c.conn = nil
	}
	c.cancelRunLocked()
	c.attempt++
	c.users = nil
	c.connID = ""
	c.obs.PresenceUsers(0)
	c.setStateLocked(StateDisconnected)

	if !wasIdle {
		c.log.Info("presence.disconnected")
		fx.events = append(fx.events, c.eventLocked(EventDisconnected, c.attempt, nil))
	}
}

// scheduleReconnectLocked arms the single reconnect timer if the session is
// still active. The user list is kept until the next message or disconnect.
func (c *Channel) scheduleReconnectLocked(fx *effects) {
	c.stopTimerLocked()
	if c.closed || !c.active() {
		c.setStateLocked(StateDisconnected)
		return
	}

	c.timerGen++
	gen := c.timerGen
	c.timer = c.clk.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.dispatch(input{kind: evReconnectDue, timerGen: gen})
	})
	c.reconnects++
	c.setStateLocked(StateReconnectPending)
	c.obs.PresenceReconnect()
	c.log.Info("presence.reconnect.scheduled", "in", c.cfg.ReconnectDelay, "reconnects", c.reconnects)
	fx.events = append(fx.events, c.eventLocked(EventReconnectScheduled, c.attempt, nil))

	if c.storm.Observe(c.clk.Now()) {
		c.obs.PresenceStorm()
		c.log.Warn("presence.reconnect.storm",
			"count", c.storm.Count(),
			"window", c.cfg.StormWindow,
		)
		fx.events = append(fx.events, c.eventLocked(EventReconnectStorm, c.attempt, nil))
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Channel) cancelRunLocked() {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.obs.PresenceState(s)
}

func (c *Channel) eventLocked(kind EventKind, attempt uint64, err error) Event {
	return Event{
		Kind:    kind,
		At:      c.clk.Now(),
		ConnID:  c.connID,
		Attempt: attempt,
		Users:   len(c.users),
		Err:     err,
	}
}

// run owns one connection attempt: dial, then read until the connection ends.
func (c *Channel) run(ctx context.Context, attempt uint64) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(dctx)
	cancel()
	if err != nil {
		c.dispatch(input{kind: evDialFailed, attempt: attempt, err: err})
		return
	}
	if !c.dispatch(input{kind: evOpened, attempt: attempt, conn: conn}) {
		_ = conn.Close()
		return
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.dispatch(input{kind: evClosed, attempt: attempt, err: err})
			return
		}
		msg, err := v1.Decode(data)
		if err != nil {
			c.dispatch(input{kind: evTransportError, attempt: attempt, err: err})
			continue
		}
		if !c.dispatch(input{kind: evMessage, attempt: attempt, msg: msg}) {
			return
		}
	}
}

func newConnID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
