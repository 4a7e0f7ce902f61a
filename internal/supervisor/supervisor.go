// ABOUTME: Manages the local game server process when the gateway owns it.
// ABOUTME: Graceful stop via console command, kill after a grace period.

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrAlreadyRunning indicates Start was called while a process is live.
	ErrAlreadyRunning = errors.New("server process already running")
	// ErrNotRunning indicates a console or stop request with no live process.
	ErrNotRunning = errors.New("server process not running")
)

// Config holds the supervised server's launch and stop policy.
type Config struct {
	// Command is the argv that launches the game server.
	Command []string
	// WorkDir is the server's working directory.
	WorkDir string
	// StopCommand is written to the server console for a graceful stop.
	StopCommand string
	// ReadyPattern marks readiness when it appears in server output.
	ReadyPattern string
	// StopTimeout is the grace period before the process is killed.
	StopTimeout time.Duration
}

// Supervisor owns at most one game server process at a time.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	output *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ready  bool
	exited chan struct{}
}

// New creates a Supervisor. It does not start anything.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.StopCommand == "" {
		cfg.StopCommand = "stop"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		output: logger.With("component", "game-server"),
	}
}

// Start launches the game server process and begins scanning its output.
func (s *Supervisor) Start() error {
	if len(s.cfg.Command) == 0 {
		return errors.New("no server command configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening server stdin: %w", err)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("starting server process: %w", err)
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.stdin = stdin
	s.ready = false
	s.exited = exited

	s.logger.Info("server process started",
		"pid", cmd.Process.Pid,
		"command", strings.Join(s.cfg.Command, " "),
	)

	go s.scanOutput(pr)

	go func() {
		err := cmd.Wait()
		pw.Close()

		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
			s.stdin = nil
			s.ready = false
		}
		s.mu.Unlock()
		close(exited)

		if err != nil {
			s.logger.Warn("server process exited", "error", err)
		} else {
			s.logger.Info("server process exited")
		}
	}()

	return nil
}

// Stop asks the server to shut down via its console command and kills it
// if it has not exited within the grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil {
		return ErrNotRunning
	}

	s.logger.Info("stopping server process", "stop_command", s.cfg.StopCommand)

	if _, err := io.WriteString(stdin, s.cfg.StopCommand+"\n"); err != nil {
		s.logger.Warn("console stop failed, signaling process", "error", err)
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-exited:
		s.logger.Info("server stopped gracefully")
		return nil
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("server did not stop in time, killing", "timeout", s.cfg.StopTimeout)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return ctx.Err()
	}
}

// Send writes a console command to the server's stdin.
func (s *Supervisor) Send(command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		return fmt.Errorf("writing console command: %w", err)
	}
	return nil
}

// ProcessRunning reports whether the supervised process is alive. It is
// the health monitor's process-liveness source.
func (s *Supervisor) ProcessRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Ready reports whether the ready pattern has appeared in server output
// since the last Start.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// scanOutput relays server output into the log and watches for readiness.
func (s *Supervisor) scanOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s.output.Info(line)

		if s.cfg.ReadyPattern != "" && strings.Contains(line, s.cfg.ReadyPattern) {
			s.mu.Lock()
			already := s.ready
			s.ready = true
			s.mu.Unlock()
			if !already {
				s.logger.Info("server reported ready")
			}
		}
	}
}
