package presence

import (
	"time"

	v1 "tsdocs/shared/contracts/presence/v1"
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateConnected        State = "connected"
	StateReconnectPending State = "reconnect_pending"
)

// States lists every State, in lifecycle order.
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnectPending}

// Snapshot is a consistent copy of the channel state.
type Snapshot struct {
	State       State           `json:"state"`
	Users       []v1.OnlineUser `json:"users"`
	ConnID      string          `json:"conn_id,omitempty"`
	ConnectedAt time.Time       `json:"connected_at,omitempty"`
	Reconnects  uint64          `json:"reconnects"`
	LastError   string          `json:"last_error,omitempty"`
}

// EventKind names a channel lifecycle transition reported to event handlers.
type EventKind string

const (
	EventConnected          EventKind = "presence.connected"
	EventClosed             EventKind = "presence.closed"
	EventReconnectScheduled EventKind = "presence.reconnect_scheduled"
	EventReconnectStorm     EventKind = "presence.reconnect_storm"
	EventDisconnected       EventKind = "presence.disconnected"
)

// Event describes one lifecycle transition.
type Event struct {
	Kind    EventKind
	At      time.Time
	ConnID  string
	Attempt uint64
	Users   int
	Err     error
}

// Observer receives channel measurements. Calls happen under the channel
// lock and must not block or call back into the channel.
type Observer interface {
	PresenceState(s State)
	PresenceReconnect()
	PresenceStorm()
	PresenceUsers(n int)
	PresenceMessage(msgType string)
}

type nopObserver struct{}

func (nopObserver) PresenceState(State)    {}
func (nopObserver) PresenceReconnect()     {}
func (nopObserver) PresenceStorm()         {}
func (nopObserver) PresenceUsers(int)      {}
func (nopObserver) PresenceMessage(string) {}
