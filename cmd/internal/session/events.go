package session

import (
	"time"

	"tsdocs/cmd/internal/authapi"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventSessionStarted    EventKind = "session.started"
	EventSessionResumed    EventKind = "session.resumed"
	EventSessionRefreshed  EventKind = "session.refreshed"
	EventSessionTerminated EventKind = "session.terminated"
	EventSessionEnded      EventKind = "session.ended"
)

// Event describes one lifecycle transition. EventSessionTerminated is the
// signal to send the user back to the login screen.
type Event struct {
	Kind      EventKind
	At        time.Time
	User      authapi.User
	ExpiresAt time.Time
	Reason    string
	Err       error
}

// EventHandler consumes lifecycle events.
type EventHandler func(Event)

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.clk.Now()
	}
	for _, h := range m.handlers {
		h(ev)
	}
}
