// Package services holds the process-scoped state of amplifierd.
//
// The registry owns the session, device and hook registries, the
// notification pipeline and its rule engine, the history store and the
// optional NATS connection. Build creates all of them empty from
// configuration; Start launches background work; Shutdown tears everything
// down in reverse order. The registry is also the hooks.Host handed to
// every hook on start.
package services
