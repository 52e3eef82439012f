package session

import "errors"

var (
	// ErrRefreshFailed wraps the transport or API error of a failed refresh.
	// The session has already been terminated when it is returned.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrNotAuthenticated is returned for operations that need a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotAdmin is returned for admin operations attempted by a non-admin session.
	ErrNotAdmin = errors.New("admin role required")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session manager already started")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")
)
