// Package session hosts long-lived agent sessions.
//
// A Manager owns the session table. Each session runs at most one Execute at
// a time; a second concurrent call fails with ErrBusy instead of queueing.
// The context log is guarded by its own lock so Inject can append while an
// Execute is pending, and every append takes the next per-session sequence
// number. Stop cancels the in-flight execution through its context and, if
// the runtime has not returned within the grace period, abandons it.
package session
