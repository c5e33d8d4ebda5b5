// Package hooks manages the server's pluggable input and output hooks.
//
// Input hooks are polled on an interval for synthetic notification events.
// Output hooks are offered every outbound event in registration order; each
// is asked ShouldHandle before Send, and a hook that fails, panics or times
// out is recorded against itself without affecting other hooks or the
// event's own disposition.
//
// Lifecycle per hook: stopped → starting → running → stopping → stopped.
// A hook whose Start fails is never added.
package hooks
