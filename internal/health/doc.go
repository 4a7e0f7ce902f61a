// Package health watches the local game server and reports starting,
// running, or stopped to the status publisher whenever the verdict changes.
//
// The monitor probes on an interval (TCP handshake against the game
// address by default). A successful probe reports running immediately. A
// failed probe only moves the verdict after FailureThreshold consecutive
// failures, so a transient hiccup never flaps the published status. When a
// process checker is wired in, an unreachable server whose process is
// still alive reads as starting rather than stopped.
package health
