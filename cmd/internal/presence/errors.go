package presence

import "errors"

var (
	// ErrNoSession is reported when a connect is requested without an active session.
	ErrNoSession = errors.New("presence: no active session")

	// ErrClosed is reported once the channel has been closed for good.
	ErrClosed = errors.New("presence: channel closed")
)
