// Package gateway wires every portcullis component together and runs
// them as a single process.
//
// # Composition
//
// New builds the full object graph. The audit ledger opens first so the
// registry's lifecycle sink has somewhere to write, then come the
// registry, status publisher, admission gate, tunnel transport,
// optional process supervisor, and health monitor. Run binds the tunnel
// and console listeners, launches the servers, and blocks until the
// context is cancelled or a server fails; Shutdown drains everything in
// reverse dependency order.
//
// # Console surface
//
// The console serves REST endpoints under /api for operator decisions,
// server control, stats, and ledger queries, plus two observer streams
// carrying the same events: server-sent events on /api/events and
// WebSocket on /ws/events. When auth is configured the control routes
// require a bearer token from POST /api/login; the observer streams
// stay open because they only carry read-only snapshots.
//
// The console listens on a local TCP address, or joins the tailnet when
// Tailscale is enabled, with optional public exposure via Funnel.
package gateway
