// Package presence maintains the live "online users" feed.
//
// A Channel holds at most one WebSocket connection to the presence endpoint
// and exists only while a session is active. Every input (connect requests,
// dial results, frames, closes, reconnect timers, disconnect) is funnelled
// through a single dispatcher under the channel mutex, so state transitions
// are serialized:
//
//	disconnected -> connecting -> connected -> reconnect_pending -> connecting ...
//
// A dropped connection is retried after a fixed delay for as long as the
// session is active. The received user list replaces the previous one
// wholesale.
package presence
