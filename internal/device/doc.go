// Package device tracks client devices connected over duplex links.
//
// A device ID maps to at most one live Conn. Registering again closes the
// previous handle before anything else is written, then flushes envelopes
// queued while the device was offline. Liveness decays in two steps,
// connected to stale to disconnected, driven by Sweep.
package device
