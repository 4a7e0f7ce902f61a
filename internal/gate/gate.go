// ABOUTME: Approval gate deciding which pending connections become approved or rejected.
// ABOUTME: The only path out of pending; enforces the per-address admission rate limit.

package gate

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanward/portcullis/internal/registry"
)

// ErrNotPending indicates an approval decision on a connection that already
// left the pending state.
var ErrNotPending = errors.New("connection is not pending")

// ErrRateLimited indicates too many pending admissions from one address
// inside the rate window. The connection is auto-rejected before return.
var ErrRateLimited = errors.New("too many pending requests from address")

// Gate owns all authorization decisions. Everything else reads connection
// state; only the gate moves it out of pending.
type Gate struct {
	registry *registry.Registry
	logger   *slog.Logger

	quickJoin  bool
	maxPending int
	window     time.Duration

	mu         sync.Mutex
	admissions map[string][]time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config holds the gate's admission policy.
type Config struct {
	// QuickJoin approves admitted connections immediately instead of
	// holding them pending.
	QuickJoin bool
	// MaxPending is the number of pending admissions allowed per remote
	// address within Window before auto-rejection kicks in.
	MaxPending int
	Window     time.Duration
}

// New creates a Gate backed by the given registry.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Gate {
	g := &Gate{
		registry:   reg,
		logger:     logger.With("component", "gate"),
		quickJoin:  cfg.QuickJoin,
		maxPending: cfg.MaxPending,
		window:     cfg.Window,
		admissions: make(map[string][]time.Time),
		done:       make(chan struct{}),
	}

	g.wg.Add(1)
	go g.cleanupLoop()

	return g
}

// Close stops the admission-window cleanup loop.
func (g *Gate) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}

// Admit registers an inbound connection attempt. The returned id is valid
// even when the error is ErrRateLimited: the connection exists, auto-rejected
// with reason rate_limited, so observers see the attempt.
//
// With quick-join enabled the connection is approved before Admit returns.
func (g *Gate) Admit(endpoint string) (string, error) {
	id, err := g.registry.Register(endpoint)
	if err != nil {
		return "", err
	}

	if g.overLimit(addressOf(endpoint)) {
		if terr := g.registry.Transition(id, registry.StateRejected, registry.ReasonRateLimited, ""); terr != nil {
			g.logger.Error("auto-reject failed", "id", id, "error", terr)
		}
		g.logger.Warn("admission rate limited",
			"id", id,
			"endpoint", endpoint,
			"max_pending", g.maxPending,
			"window", g.window,
		)
		return id, ErrRateLimited
	}

	if g.quickJoin {
		if terr := g.registry.Transition(id, registry.StateApproved, "", ""); terr != nil {
			g.logger.Error("quick-join approval failed", "id", id, "error", terr)
		} else {
			g.logger.Info("connection quick-joined", "id", id, "endpoint", endpoint)
		}
	}

	return id, nil
}

// Approve moves a pending connection to approved. actor names the deciding
// operator for the audit trail. Returns ErrNotPending if the connection
// already left pending, registry.ErrNotFound if it is gone.
func (g *Gate) Approve(id, actor string) error {
	err := g.registry.Transition(id, registry.StateApproved, "", actor)
	if errors.Is(err, registry.ErrInvalidTransition) {
		return ErrNotPending
	}
	if err != nil {
		return err
	}

	g.logger.Info("connection approved", "id", id, "actor", actor)
	return nil
}

// Reject moves a pending connection to rejected with the given reason.
// actor names the deciding operator for the audit trail. Returns
// ErrNotPending if the connection already left pending.
func (g *Gate) Reject(id, reason, actor string) error {
	err := g.registry.Transition(id, registry.StateRejected, reason, actor)
	if errors.Is(err, registry.ErrInvalidTransition) {
		return ErrNotPending
	}
	if err != nil {
		return err
	}

	g.logger.Info("connection rejected", "id", id, "reason", reason, "actor", actor)
	return nil
}

// overLimit records an admission for the address and reports whether it
// exceeded the rate window. Only admissions under the limit are recorded,
// so a burst cannot extend its own punishment.
func (g *Gate) overLimit(address string) bool {
	if g.maxPending <= 0 || g.window <= 0 {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	recent := g.admissions[address][:0]
	for _, ts := range g.admissions[address] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= g.maxPending {
		g.admissions[address] = recent
		return true
	}

	g.admissions[address] = append(recent, now)
	return false
}

// cleanupLoop drops addresses whose admissions all aged out of the window.
func (g *Gate) cleanupLoop() {
	defer g.wg.Done()

	interval := g.window
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.cleanupExpired()
		}
	}
}

// cleanupExpired removes admission entries older than the window.
func (g *Gate) cleanupExpired() {
	cutoff := time.Now().Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	for address, times := range g.admissions {
		recent := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(g.admissions, address)
		} else {
			g.admissions[address] = recent
		}
	}
}

// addressOf strips the port so rate limiting keys on the remote host alone.
func addressOf(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}
