// Package registry tracks every connection attempt and its lifecycle state.
//
// # Overview
//
// The Registry is the authoritative in-memory table for the gateway: the
// approval gate, the tunnel transport, and the status publisher all read and
// mutate connection state exclusively through it. State is ephemeral per
// process lifetime; nothing is reloaded on restart.
//
// # Lifecycle
//
// Connections move one way through the state machine:
//
//	pending -> approved -> active -> closed
//	pending -> rejected
//
// Rejected and closed are terminal. Transition enforces the table above and
// returns ErrInvalidTransition for anything else, so two racing approvals
// resolve to exactly one winner.
//
// # Operations
//
//	reg := registry.New(retention, logger)
//	id, err := reg.Register("203.0.113.9:51234")  // creates a pending entry
//	err = reg.Transition(id, registry.StateApproved, "", "")
//	snaps := reg.List()                            // ordered by creation time
//	reg.Evict(id)                                  // terminal entries only
//
// Register refuses a second non-terminal entry for the same endpoint with
// ErrDuplicateSession.
//
// # Publisher notification
//
// Every successful Register, Transition, and Evict notifies the configured
// Notifier synchronously before returning, so observers never learn about a
// change before the caller does. Notification happens outside the table lock;
// the publisher is free to call List.
//
// A separate Sink receives the same changes with full detail (snapshot,
// previous state, acting operator). The gateway points it at the audit
// ledger; unlike the Notifier it exists for history, not liveness.
//
// # Approval waits
//
// Decided(id) returns a channel closed when the connection leaves pending.
// The transport selects on it against the pending timeout.
//
// # Byte counters
//
// Counters(id) hands the relay a shared handle with atomic add/load, so byte
// totals update live in snapshots without taking the table lock per chunk.
//
// # Retention
//
// Terminal connections are swept out once they are older than the retention
// window. Active connections are never evicted.
package registry
