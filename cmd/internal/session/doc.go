// Package session keeps one user session alive against the docs server.
//
// Manager owns all mutable session state: the current identity, the computed
// access-token expiry, the single pending refresh timer and the refresh
// in-progress guard. It schedules refreshes ahead of expiry (Plan), collapses
// concurrent refresh triggers into one network call, and drives the presence
// channel lifecycle (connect on login/resume, disconnect on logout or loss).
//
// A failed refresh is terminal: the session is cleared, presence is torn down
// and EventSessionTerminated is emitted so the embedding application can route
// the user back to login.
package session
