// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
tunnel:
  listen: "0.0.0.0:25665"
  max_connections: 32
  dial_timeout: "3s"

game:
  address: "127.0.0.1:25565"

approval:
  quick_join: false
  pending_timeout: "90s"
  max_pending_per_address: 4
  rate_window: "30s"
  retention: "10m"

status:
  coalesce_window: "100ms"
  observer_buffer: 16

health:
  probe_interval: "2s"
  probe_timeout: "1s"
  failure_threshold: 5

console:
  http_addr: "127.0.0.1:8090"

ledger:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tunnel.Listen != "0.0.0.0:25665" {
		t.Errorf("Tunnel.Listen = %q, want %q", cfg.Tunnel.Listen, "0.0.0.0:25665")
	}
	if cfg.Tunnel.MaxConnections != 32 {
		t.Errorf("Tunnel.MaxConnections = %d, want 32", cfg.Tunnel.MaxConnections)
	}
	if cfg.Tunnel.DialTimeout != 3*time.Second {
		t.Errorf("Tunnel.DialTimeout = %v, want %v", cfg.Tunnel.DialTimeout, 3*time.Second)
	}

	if cfg.Game.Address != "127.0.0.1:25565" {
		t.Errorf("Game.Address = %q, want %q", cfg.Game.Address, "127.0.0.1:25565")
	}

	if cfg.Approval.QuickJoin {
		t.Error("Approval.QuickJoin = true, want false")
	}
	if cfg.Approval.PendingTimeout != 90*time.Second {
		t.Errorf("Approval.PendingTimeout = %v, want %v", cfg.Approval.PendingTimeout, 90*time.Second)
	}
	if cfg.Approval.MaxPendingPerAddress != 4 {
		t.Errorf("Approval.MaxPendingPerAddress = %d, want 4", cfg.Approval.MaxPendingPerAddress)
	}
	if cfg.Approval.RateWindow != 30*time.Second {
		t.Errorf("Approval.RateWindow = %v, want %v", cfg.Approval.RateWindow, 30*time.Second)
	}
	if cfg.Approval.Retention != 10*time.Minute {
		t.Errorf("Approval.Retention = %v, want %v", cfg.Approval.Retention, 10*time.Minute)
	}

	if cfg.Status.CoalesceWindow != 100*time.Millisecond {
		t.Errorf("Status.CoalesceWindow = %v, want %v", cfg.Status.CoalesceWindow, 100*time.Millisecond)
	}
	if cfg.Status.ObserverBuffer != 16 {
		t.Errorf("Status.ObserverBuffer = %d, want 16", cfg.Status.ObserverBuffer)
	}

	if cfg.Health.ProbeInterval != 2*time.Second {
		t.Errorf("Health.ProbeInterval = %v, want %v", cfg.Health.ProbeInterval, 2*time.Second)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("Health.FailureThreshold = %d, want 5", cfg.Health.FailureThreshold)
	}

	if cfg.Console.HTTPAddr != "127.0.0.1:8090" {
		t.Errorf("Console.HTTPAddr = %q, want %q", cfg.Console.HTTPAddr, "127.0.0.1:8090")
	}
	if cfg.Ledger.Path != "./test.db" {
		t.Errorf("Ledger.Path = %q, want %q", cfg.Ledger.Path, "./test.db")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}

	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	configPath := writeConfig(t, `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Tunnel.MaxConnections != 64 {
		t.Errorf("Tunnel.MaxConnections = %d, want default 64", cfg.Tunnel.MaxConnections)
	}
	if cfg.Approval.PendingTimeout != 2*time.Minute {
		t.Errorf("Approval.PendingTimeout = %v, want default 2m", cfg.Approval.PendingTimeout)
	}
	if cfg.Approval.MaxPendingPerAddress != 5 {
		t.Errorf("Approval.MaxPendingPerAddress = %d, want default 5", cfg.Approval.MaxPendingPerAddress)
	}
	if cfg.Approval.RateWindow != time.Minute {
		t.Errorf("Approval.RateWindow = %v, want default 1m", cfg.Approval.RateWindow)
	}
	if cfg.Approval.Retention != 5*time.Minute {
		t.Errorf("Approval.Retention = %v, want default 5m", cfg.Approval.Retention)
	}
	if cfg.Status.CoalesceWindow != 250*time.Millisecond {
		t.Errorf("Status.CoalesceWindow = %v, want default 250ms", cfg.Status.CoalesceWindow)
	}
	if cfg.Status.ObserverBuffer != 64 {
		t.Errorf("Status.ObserverBuffer = %d, want default 64", cfg.Status.ObserverBuffer)
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Errorf("Health.FailureThreshold = %d, want default 3", cfg.Health.FailureThreshold)
	}
	if cfg.Supervisor.StopCommand != "stop" {
		t.Errorf("Supervisor.StopCommand = %q, want default %q", cfg.Supervisor.StopCommand, "stop")
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want default 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, "info")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_PORTCULLIS_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_PORTCULLIS_DB", "./env.db")

	configPath := writeConfig(t, `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
auth:
  jwt_secret: "${TEST_PORTCULLIS_SECRET}"
ledger:
  path: "${TEST_PORTCULLIS_DB}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
	if cfg.Ledger.Path != "./env.db" {
		t.Errorf("Ledger.Path = %q, want %q", cfg.Ledger.Path, "./env.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
tunnel:
  listen: "0.0.0.0:25665"
  max_connections "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
approval:
  pending_timeout: "not-a-duration"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing tunnel listen",
			configContent: `
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
`,
			wantErrSubstr: "tunnel.listen is required",
		},
		{
			name: "malformed tunnel listen",
			configContent: `
tunnel:
  listen: "no-port-here"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
`,
			wantErrSubstr: "tunnel.listen is not a valid host:port",
		},
		{
			name: "missing game address",
			configContent: `
tunnel:
  listen: "0.0.0.0:25665"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
`,
			wantErrSubstr: "game.address is required",
		},
		{
			name: "missing console addr",
			configContent: `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
ledger:
  path: "./test.db"
`,
			wantErrSubstr: "console.http_addr is required",
		},
		{
			name: "missing ledger path",
			configContent: `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
`,
			wantErrSubstr: "ledger.path is required",
		},
		{
			name: "supervisor enabled without command",
			configContent: `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
supervisor:
  enabled: true
`,
			wantErrSubstr: "supervisor.command is required",
		},
		{
			name: "short jwt secret",
			configContent: `
tunnel:
  listen: "0.0.0.0:25665"
game:
  address: "127.0.0.1:25565"
console:
  http_addr: "127.0.0.1:8090"
ledger:
  path: "./test.db"
auth:
  jwt_secret: "too-short"
`,
			wantErrSubstr: "auth.jwt_secret must be at least 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty console address",
			cfg: Config{
				Tunnel:    TunnelConfig{Listen: "0.0.0.0:25665"},
				Game:      GameConfig{Address: "127.0.0.1:25565"},
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "portcullis"},
				Ledger:    LedgerConfig{Path: "./test.db"},
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled requires hostname",
			cfg: Config{
				Tunnel:    TunnelConfig{Listen: "0.0.0.0:25665"},
				Game:      GameConfig{Address: "127.0.0.1:25565"},
				Tailscale: TailscaleConfig{Enabled: true},
				Ledger:    LedgerConfig{Path: "./test.db"},
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires console address",
			cfg: Config{
				Tunnel: TunnelConfig{Listen: "0.0.0.0:25665"},
				Game:   GameConfig{Address: "127.0.0.1:25565"},
				Ledger: LedgerConfig{Path: "./test.db"},
			},
			wantErr:       true,
			wantErrSubstr: "console.http_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config failed validation: %v", err)
	}
}
