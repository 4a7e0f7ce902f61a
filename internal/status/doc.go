// Package status fans gateway state out to observers as a stream of
// sequenced events.
//
// # Events
//
// Two kinds exist. server_status carries the game server's health verdict
// (starting, running, stopped). connections_update carries a full snapshot
// of the connection table. Snapshots are deliberately complete rather than
// incremental: an observer applies the latest one and is consistent, with
// nothing to reconcile and no replay protocol.
//
// Every event has a sequence number. Any single observer sees strictly
// increasing seq values; gaps are normal because subscribe-time snapshots
// and other observers' events consume numbers too.
//
// # Coalescing
//
// Connection churn is bursty (a relay moving bytes touches its counters
// constantly), so connections_update events coalesce: the first change
// arms a timer, further changes inside the window fold into it, and one
// snapshot is published when it fires. server_status events skip the
// window because health verdicts are already debounced by the monitor.
//
// # Slow observers
//
// Each observer gets a bounded buffer. On overflow the observer is
// dropped and its channel closed rather than blocking the publisher or
// silently losing one event from an ordered stream. A dropped observer
// resubscribes and receives a fresh snapshot, which is exactly as good as
// having seen every intermediate event.
package status
