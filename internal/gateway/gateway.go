// ABOUTME: Gateway orchestrator that assembles every component and runs them as one unit.
// ABOUTME: Owns startup order, the console listener (TCP or tailnet), and graceful shutdown.

package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"tailscale.com/tsnet"

	"github.com/lanward/portcullis/internal/auth"
	"github.com/lanward/portcullis/internal/config"
	"github.com/lanward/portcullis/internal/gate"
	"github.com/lanward/portcullis/internal/health"
	"github.com/lanward/portcullis/internal/ledger"
	"github.com/lanward/portcullis/internal/registry"
	"github.com/lanward/portcullis/internal/status"
	"github.com/lanward/portcullis/internal/supervisor"
	"github.com/lanward/portcullis/internal/transport"
)

// shutdownTimeout bounds the graceful drain once Run's context is
// cancelled.
const shutdownTimeout = 5 * time.Second

// Gateway ties the tunnel, admission gate, console, health monitor,
// and audit ledger together into one process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	registry   *registry.Registry
	gate       *gate.Gate
	publisher  *status.Publisher
	transport  *transport.Transport
	monitor    *health.Monitor
	supervisor *supervisor.Supervisor // nil when the game process is unmanaged
	store      *ledger.Store
	recorder   *ledger.Recorder
	auth       *auth.Authenticator // nil when the control surface runs open

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	consoleAddr atomic.Value // net.Addr, set once the console listener binds

	ready     atomic.Bool
	startedAt time.Time
}

// New wires up all gateway components from the given configuration.
// The ledger opens first so the registry's lifecycle sink has somewhere
// to write before the first connection can arrive.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}

	store, err := ledger.NewStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	g.store = store
	g.recorder = ledger.NewRecorder(store, logger, 0)

	g.registry = registry.New(cfg.Approval.Retention, logger)
	g.registry.SetSink(&lifecycleSink{recorder: g.recorder})

	g.publisher = status.New(g.registry, status.Config{
		ObserverBuffer: cfg.Status.ObserverBuffer,
		CoalesceWindow: cfg.Status.CoalesceWindow,
	}, logger)
	g.registry.SetNotifier(g.publisher)

	g.gate = gate.New(g.registry, gate.Config{
		QuickJoin:  cfg.Approval.QuickJoin,
		MaxPending: cfg.Approval.MaxPendingPerAddress,
		Window:     cfg.Approval.RateWindow,
	}, logger)

	g.transport = transport.New(g.gate, g.registry, transport.Config{
		Listen:         cfg.Tunnel.Listen,
		GameAddr:       cfg.Game.Address,
		MaxConnections: cfg.Tunnel.MaxConnections,
		DialTimeout:    cfg.Tunnel.DialTimeout,
		PendingTimeout: cfg.Approval.PendingTimeout,
	}, logger)

	if cfg.Supervisor.Enabled {
		g.supervisor = supervisor.New(supervisor.Config{
			Command:      cfg.Supervisor.Command,
			WorkDir:      cfg.Supervisor.WorkDir,
			StopCommand:  cfg.Supervisor.StopCommand,
			ReadyPattern: cfg.Supervisor.ReadyPattern,
			StopTimeout:  cfg.Supervisor.StopTimeout,
		}, logger)
	}

	g.monitor = health.New(
		health.NewTCPProber(cfg.Game.Address),
		&healthReporter{publisher: g.publisher, recorder: g.recorder},
		health.Config{
			ProbeInterval:    cfg.Health.ProbeInterval,
			ProbeTimeout:     cfg.Health.ProbeTimeout,
			FailureThreshold: cfg.Health.FailureThreshold,
		},
		logger,
	)
	if g.supervisor != nil {
		g.monitor.SetProcessChecker(g.supervisor)
	}

	if cfg.Auth.JWTSecret != "" {
		g.auth = auth.New([]byte(cfg.Auth.JWTSecret))
	} else {
		g.logger.Warn("auth.jwt_secret is empty, control surface is open to anyone who can reach it")
	}

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the tunnel, console, and health monitor, then blocks until
// ctx is cancelled or a server fails. Both paths drain gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.transport.Listen(); err != nil {
		return fmt.Errorf("binding tunnel listener: %w", err)
	}

	consoleLn, err := g.consoleListener(ctx)
	if err != nil {
		g.transport.Shutdown()
		return err
	}
	g.consoleAddr.Store(consoleLn.Addr())

	g.startedAt = time.Now()
	g.startSupervisedServer()

	errCh := g.startServers(ctx, consoleLn)
	g.ready.Store(true)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// TunnelAddr returns the bound tunnel address, nil before Run.
func (g *Gateway) TunnelAddr() net.Addr {
	return g.transport.Addr()
}

// ConsoleAddr returns the bound console address, nil before Run.
func (g *Gateway) ConsoleAddr() net.Addr {
	if addr, ok := g.consoleAddr.Load().(net.Addr); ok {
		return addr
	}
	return nil
}

// startSupervisedServer launches the managed game process, when there is
// one. A launch failure is not fatal: the monitor keeps reporting the
// server stopped and the operator can retry from the console.
func (g *Gateway) startSupervisedServer() {
	if g.supervisor == nil {
		return
	}

	if err := g.supervisor.Start(); err != nil {
		g.logger.Error("starting game server", "error", err)
		return
	}
	g.recorder.Record(ledger.Entry{Kind: ledger.KindServerStarted})
}

// startServers launches the tunnel and console servers plus the health
// monitor. Fatal server errors arrive on the returned channel.
func (g *Gateway) startServers(ctx context.Context, consoleLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		if err := g.transport.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("tunnel transport: %w", err)
		}
	}()

	go func() {
		g.logger.Info("console listening", "addr", consoleLn.Addr().String())
		if err := g.httpServer.Serve(consoleLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("console server: %w", err)
		}
	}()

	go g.monitor.Run(ctx)

	return errCh
}

// waitForShutdownSignal blocks until the context is cancelled or a
// server reports a fatal error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		g.logger.Error("server failed", "error", err)
		return err
	}
}

// gracefulShutdown drains the gateway under a fresh timeout. The run
// context is already cancelled by the time this runs, so it cannot
// bound the drain.
func (g *Gateway) gracefulShutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(shutdownCtx)
}

// Shutdown stops every component and reports all close errors together.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "console server", g.httpServer.Shutdown(ctx))

	g.transport.Shutdown()
	g.gate.Close()

	if g.supervisor != nil && g.supervisor.ProcessRunning() {
		errs = appendCloseError(errs, "game server stop", g.supervisor.Stop(ctx))
		g.recorder.Record(ledger.Entry{Kind: ledger.KindServerStopped, Reason: registry.ReasonShutdown})
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale server", g.tsnetServer.Close())
	}

	g.publisher.Close()
	g.registry.Close()

	// The recorder drains its queue before the store closes underneath it.
	g.recorder.Close()
	errs = appendCloseError(errs, "ledger store", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with errors: %v", errs)
	}

	g.logger.Info("gateway shutdown complete")
	return nil
}

// appendCloseError accumulates a labelled close error, skipping nils.
func appendCloseError(errs []error, label string, err error) []error {
	if err == nil {
		return errs
	}
	return append(errs, fmt.Errorf("%s: %w", label, err))
}

// consoleListener binds the operator console, either on a local TCP
// address or on the tailnet via tsnet.
func (g *Gateway) consoleListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.tailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Console.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("binding console listener: %w", err)
	}
	return ln, nil
}

// tailscaleListener joins the tailnet and binds the console there.
// Funnel exposes it publicly over HTTPS; otherwise the console serves
// tailnet-only, with provisioned certs when HTTPS is on or plain HTTP
// on port 80.
func (g *Gateway) tailscaleListener(ctx context.Context) (net.Listener, error) {
	stateDir, err := g.resolveTailscaleStateDir()
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  g.config.Tailscale.Hostname,
		Dir:       stateDir,
		Ephemeral: g.config.Tailscale.Ephemeral,
		AuthKey:   g.resolveTailscaleAuthKey(),
	}

	st, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("joining tailnet: %w", err)
	}

	var dnsName string
	if st.Self != nil {
		dnsName = strings.TrimSuffix(st.Self.DNSName, ".")
	}
	g.logger.Info("joined tailnet",
		"hostname", g.config.Tailscale.Hostname,
		"dns_name", dnsName,
		"funnel", g.config.Tailscale.Funnel,
	)

	switch {
	case g.config.Tailscale.Funnel:
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("enabling funnel: %w", err)
		}
		return ln, nil
	case g.config.Tailscale.HTTPS:
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("binding tailnet listener: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("binding tailnet listener: %w", err)
		}
		return ln, nil
	}
}

// resolveTailscaleStateDir picks the node-state directory: the
// configured one, else ~/.local/share/portcullis/tsnet-<hostname>.
func (g *Gateway) resolveTailscaleStateDir() (string, error) {
	if g.config.Tailscale.StateDir != "" {
		return g.config.Tailscale.StateDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory for tailscale state: %w", err)
	}

	dir := filepath.Join(home, ".local", "share", "portcullis", "tsnet-"+g.config.Tailscale.Hostname)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating tailscale state dir: %w", err)
	}
	return dir, nil
}

// resolveTailscaleAuthKey prefers the configured key, falling back to
// the conventional TS_AUTHKEY environment variable.
func (g *Gateway) resolveTailscaleAuthKey() string {
	if g.config.Tailscale.AuthKey != "" {
		return g.config.Tailscale.AuthKey
	}
	return os.Getenv("TS_AUTHKEY")
}
