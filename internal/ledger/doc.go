// Package ledger persists an append-only audit trail of gateway activity
// in SQLite.
//
// # Model
//
// Every entry records one event: a connection lifecycle change
// (registered, approved, rejected, activated, closed, evicted), a game
// server health change, or a server start/stop. Operator-initiated
// entries carry the operator subject in Actor; automatic events (quick
// join, timeouts, sweeps) leave it nil.
//
// The ledger is history, not state. The gateway never reads it back to
// rebuild the connection table; a lost or corrupt ledger costs the audit
// trail and nothing else.
//
// # Write path
//
// Store.Append is synchronous. The control path never calls it directly:
// it hands entries to a Recorder, which queues them on a buffered channel
// and writes from a single background goroutine. A full queue drops the
// entry with a warning. Write failures are logged and swallowed so a sick
// disk cannot fail an approve or tear down a relay.
package ledger
