// ABOUTME: Health monitor that probes the local game server and reports verdicts.
// ABOUTME: Debounces probe failures so transient hiccups never flap the status.

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanward/portcullis/internal/metrics"
)

// ErrProbeFailure indicates the game server did not answer a probe.
// Absorbed by the debounce window; it only ever surfaces as a status change.
var ErrProbeFailure = errors.New("server probe failed")

// Status is the game server's observed lifecycle state.
type Status int

const (
	// StatusStarting means the server process is up but not yet accepting
	// connections, or the gateway has not completed its first probe.
	StatusStarting Status = iota
	// StatusRunning means the server accepts connections.
	StatusRunning
	// StatusStopped means the server is unreachable and no live process
	// explains it.
	StatusStopped
)

// String returns the wire form used in status events.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Prober checks whether the game server accepts connections.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProcessChecker is an optional source of process liveness, used to tell a
// server that is still launching apart from one that is gone.
type ProcessChecker interface {
	ProcessRunning() bool
}

// Reporter receives the verdict whenever it changes.
type Reporter interface {
	ServerStatusChanged(status string)
}

// TCPProber probes by completing a TCP handshake against the game address.
type TCPProber struct {
	addr   string
	dialer net.Dialer
}

// NewTCPProber creates a prober for the given host:port.
func NewTCPProber(addr string) *TCPProber {
	return &TCPProber{addr: addr}
}

// Probe dials the game address and closes the connection immediately.
func (p *TCPProber) Probe(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProbeFailure, p.addr, err)
	}
	return conn.Close()
}

// Config holds the monitor's probe policy.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// FailureThreshold is how many consecutive probe failures it takes
	// before the verdict leaves running.
	FailureThreshold int
}

// Monitor periodically probes the game server and reports verdict changes.
type Monitor struct {
	prober    Prober
	reporter  Reporter
	logger    *slog.Logger
	interval  time.Duration
	timeout   time.Duration
	threshold int

	mu        sync.Mutex
	checker   ProcessChecker
	current   Status
	changedAt time.Time
	failures  int
}

// New creates a Monitor. The first verdict is starting until a probe
// completes.
func New(prober Prober, reporter Reporter, cfg Config, logger *slog.Logger) *Monitor {
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	return &Monitor{
		prober:    prober,
		reporter:  reporter,
		logger:    logger.With("component", "health"),
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		current:   StatusStarting,
		changedAt: time.Now(),
	}
}

// SetProcessChecker wires process liveness in. Optional; without it an
// unreachable server is simply stopped.
func (m *Monitor) SetProcessChecker(c ProcessChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checker = c
}

// Status returns the current verdict.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// LastChange returns when the verdict last changed. Until the first
// change it is the monitor's construction time.
func (m *Monitor) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Run probes until ctx is cancelled. It probes once immediately so the
// first verdict lands within one probe timeout of startup.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started",
		"interval", m.interval,
		"failure_threshold", m.threshold,
	)

	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

// probeOnce runs a single probe and applies the debounce rules. A success
// reports running immediately; failures only change the verdict once
// threshold consecutive probes have failed.
func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	processAlive := false
	if err != nil {
		metrics.ProbeFailuresTotal.Inc()
		if checker := m.processChecker(); checker != nil {
			processAlive = checker.ProcessRunning()
		}
	}

	m.mu.Lock()
	var verdict Status
	if err == nil {
		m.failures = 0
		verdict = StatusRunning
	} else {
		m.failures++
		if m.failures < m.threshold {
			failures := m.failures
			m.mu.Unlock()
			m.logger.Debug("probe failed",
				"failures", failures,
				"failure_threshold", m.threshold,
				"error", err,
			)
			return
		}
		verdict = StatusStopped
		if processAlive {
			verdict = StatusStarting
		}
	}

	changed := verdict != m.current
	m.current = verdict
	if changed {
		m.changedAt = time.Now()
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("server health changed", "status", verdict)
	m.reporter.ServerStatusChanged(verdict.String())
}

func (m *Monitor) processChecker() ProcessChecker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checker
}
