// ABOUTME: Public tunnel listener and per-session lifecycle handling.
// ABOUTME: Admits connections, awaits approval, and relays approved traffic.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/lanward/portcullis/internal/gate"
	"github.com/lanward/portcullis/internal/metrics"
	"github.com/lanward/portcullis/internal/registry"
)

// Config holds the transport's network policy.
type Config struct {
	// Listen is the public host:port players connect to.
	Listen string
	// GameAddr is the local game server's host:port.
	GameAddr string
	// MaxConnections caps concurrently accepted connections; 0 means no cap.
	MaxConnections int
	// DialTimeout bounds the dial to the game server after approval.
	DialTimeout time.Duration
	// PendingTimeout bounds how long a connection may wait for a decision
	// before it is auto-rejected.
	PendingTimeout time.Duration
}

// Transport accepts public connections and relays approved ones to the
// local game server. Each session runs independently; a stalled session
// never blocks admission or relay for another.
type Transport struct {
	gate     *gate.Gate
	registry *registry.Registry
	logger   *slog.Logger
	cfg      Config

	ln net.Listener

	mu       sync.Mutex
	sessions map[net.Conn]struct{}

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Transport. Call Listen before Serve.
func New(g *gate.Gate, reg *registry.Registry, cfg Config, logger *slog.Logger) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 2 * time.Minute
	}

	return &Transport{
		gate:     g,
		registry: reg,
		logger:   logger.With("component", "transport"),
		cfg:      cfg,
		sessions: make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Listen binds the public endpoint. Failure here is the one startup error
// the gateway treats as fatal.
func (t *Transport) Listen() error {
	ln, err := net.Listen("tcp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding tunnel listener on %s: %w", t.cfg.Listen, err)
	}
	if t.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, t.cfg.MaxConnections)
	}
	t.ln = ln
	return nil
}

// Addr returns the bound public address, nil before Listen.
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
func (t *Transport) Serve(ctx context.Context) error {
	if t.ln == nil {
		return errors.New("transport: Serve called before Listen")
	}

	t.logger.Info("tunnel listener started",
		"addr", t.ln.Addr().String(),
		"game_addr", t.cfg.GameAddr,
		"max_connections", t.cfg.MaxConnections,
	)

	go func() {
		select {
		case <-ctx.Done():
			t.Shutdown()
		case <-t.done:
		}
	}()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Accept errors are not fatal to the gateway; back off and retry.
			t.logger.Error("accept failed", "error", err)
			select {
			case <-t.done:
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		t.wg.Add(1)
		go t.handle(conn)
	}
}

// Shutdown stops accepting, unblocks approval waits, closes live sessions,
// and waits for all handlers to finish. Safe to call more than once.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.ln != nil {
			_ = t.ln.Close()
		}

		t.mu.Lock()
		for conn := range t.sessions {
			_ = conn.Close()
		}
		t.mu.Unlock()

		t.logger.Info("tunnel listener stopped")
	})
	t.wg.Wait()
}

// handle walks one connection through admission, approval, and relay.
func (t *Transport) handle(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	if !t.track(conn) {
		return
	}
	defer t.untrack(conn)

	endpoint := conn.RemoteAddr().String()

	id, err := t.gate.Admit(endpoint)
	switch {
	case errors.Is(err, gate.ErrRateLimited):
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		return
	case errors.Is(err, registry.ErrDuplicateSession):
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		t.logger.Warn("duplicate session refused", "endpoint", endpoint)
		return
	case err != nil:
		t.logger.Error("admission failed", "endpoint", endpoint, "error", err)
		return
	}

	if !t.awaitDecision(id, endpoint) {
		return
	}

	snap, ok := t.registry.Get(id)
	if !ok {
		return
	}
	if snap.State != registry.StateApproved {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		t.logger.Info("connection refused",
			"id", id,
			"endpoint", endpoint,
			"reason", snap.Reason,
		)
		return
	}

	t.runSession(id, endpoint, conn)
}

// awaitDecision blocks until the connection leaves pending, the pending
// timeout expires, or the transport shuts down. Returns true when a
// decision landed and the caller should inspect the resulting state.
func (t *Transport) awaitDecision(id, endpoint string) bool {
	decided, err := t.registry.Decided(id)
	if err != nil {
		return false
	}

	metrics.PendingConnections.Inc()
	defer metrics.PendingConnections.Dec()

	t.logger.Info("connection awaiting approval",
		"id", id,
		"endpoint", endpoint,
		"timeout", t.cfg.PendingTimeout,
	)

	start := time.Now()
	timer := time.NewTimer(t.cfg.PendingTimeout)
	defer timer.Stop()

	select {
	case <-decided:
		metrics.ApprovalWaitSeconds.Observe(time.Since(start).Seconds())
		return true
	case <-timer.C:
		if terr := t.registry.Transition(id, registry.StateRejected, registry.ReasonTimeout, ""); terr == nil {
			metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
			t.logger.Info("approval timed out", "id", id, "endpoint", endpoint)
			return false
		}
		// A decision landed as the timer fired; honor it.
		metrics.ApprovalWaitSeconds.Observe(time.Since(start).Seconds())
		return true
	case <-t.done:
		_ = t.registry.Transition(id, registry.StateRejected, registry.ReasonShutdown, "")
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeShutdown).Inc()
		return false
	}
}

// runSession dials the game server, activates the connection, and relays
// until either side closes.
func (t *Transport) runSession(id, endpoint string, conn net.Conn) {
	local, err := net.DialTimeout("tcp", t.cfg.GameAddr, t.cfg.DialTimeout)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeDialFailed).Inc()
		t.logger.Error("game server dial failed",
			"id", id,
			"game_addr", t.cfg.GameAddr,
			"error", err,
		)
		_ = t.registry.Transition(id, registry.StateClosed, registry.ReasonRelayIO, "")
		return
	}
	defer local.Close()

	if err := t.registry.Transition(id, registry.StateActive, "", ""); err != nil {
		// Evicted or force-closed while the dial was in flight.
		t.logger.Warn("session could not activate", "id", id, "error", err)
		return
	}

	counters, ok := t.registry.Counters(id)
	if !ok {
		return
	}

	metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeActive).Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	t.logger.Info("session active", "id", id, "endpoint", endpoint)
	start := time.Now()

	relayErr := relay(conn, local, counters)

	reason := ""
	if relayErr != nil {
		reason = registry.ReasonRelayIO
		t.logger.Warn("relay ended with error", "id", id, "error", relayErr)
	}
	_ = t.registry.Transition(id, registry.StateClosed, reason, "")

	if snap, ok := t.registry.Get(id); ok {
		t.logger.Info("session closed",
			"id", id,
			"endpoint", endpoint,
			"bytes_sent", snap.BytesSent,
			"bytes_received", snap.BytesReceived,
			"duration", time.Since(start),
		)
	}
}

// track registers a connection for shutdown teardown. Returns false when
// the transport is already shutting down.
func (t *Transport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return false
	default:
	}

	t.sessions[conn] = struct{}{}
	return true
}

func (t *Transport) untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, conn)
}
