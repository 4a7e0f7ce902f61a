// Package transport accepts public connections and relays approved ones to
// the local game server.
//
// # Session lifecycle
//
// Each accepted connection runs in its own goroutine: it is admitted
// through the gate (entering the registry as pending), blocks until a
// decision arrives or the pending timeout auto-rejects it with reason
// timeout, and on approval dials the game server, flips the connection to
// active, and relays until either side closes. Sessions are fully
// independent; a stalled relay or a long approval wait never delays
// another connection.
//
// # Relay
//
// Both directions copy through fixed 32 KiB pooled buffers. The bounded
// buffer is the back-pressure mechanism: when one side cannot drain, the
// copy blocks on write and the source read pauses, so memory stays flat
// under a slow peer. Byte counts stream into the registry's counters as
// they move, and when either direction ends both ends close so the
// opposite copy unblocks. A mid-stream failure closes the session with
// reason relay_io and touches nothing else.
//
// # Shutdown
//
// Shutdown closes the listener, unblocks every approval wait (those
// connections reject with reason shutdown), closes live sessions, and
// waits for all handlers to return. The accepted-connection cap from
// MaxConnections is enforced by wrapping the listener, so over-cap dials
// queue in the kernel rather than consuming handler goroutines.
package transport
