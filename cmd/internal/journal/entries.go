package journal

import (
	"tsdocs/cmd/internal/presence"
	"tsdocs/cmd/internal/session"
)

// FromSession converts a session lifecycle event.
func FromSession(ev session.Event) Entry {
	e := Entry{
		At:       ev.At.UTC(),
		Kind:     string(ev.Kind),
		UserID:   ev.User.ID,
		Username: ev.User.Username,
	}
	detail := map[string]any{}
	if !ev.ExpiresAt.IsZero() {
		detail["expires_at"] = ev.ExpiresAt.UTC()
	}
	if ev.Reason != "" {
		detail["reason"] = ev.Reason
	}
	if ev.Err != nil {
		detail["error"] = ev.Err.Error()
	}
	if len(detail) > 0 {
		e.Detail = detail
	}
	return e
}

// FromPresence converts a presence channel event. user attributes the entry
// to the current session owner, if any.
func FromPresence(ev presence.Event, user session.Session, ok bool) Entry {
	e := Entry{
		At:   ev.At.UTC(),
		Kind: string(ev.Kind),
		Detail: map[string]any{
			"attempt": ev.Attempt,
			"users":   ev.Users,
		},
	}
	if ev.ConnID != "" {
		e.Detail["conn_id"] = ev.ConnID
	}
	if ev.Err != nil {
		e.Detail["error"] = ev.Err.Error()
	}
	if ok {
		e.UserID = user.User.ID
		e.Username = user.User.Username
	}
	return e
}
