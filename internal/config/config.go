// ABOUTME: Configuration loading and parsing for portcullis
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete portcullis configuration
type Config struct {
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Game       GameConfig       `yaml:"game"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Status     StatusConfig     `yaml:"status"`
	Health     HealthConfig     `yaml:"health"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Console    ConsoleConfig    `yaml:"console"`
	Auth       AuthConfig       `yaml:"auth"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// TunnelConfig holds the public listener configuration
type TunnelConfig struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`

	DialTimeout time.Duration `yaml:"-"`

	DialTimeoutRaw string `yaml:"dial_timeout"`
}

// GameConfig holds the local game server endpoint configuration
type GameConfig struct {
	Address string `yaml:"address"`
}

// ApprovalConfig holds admission policy configuration
type ApprovalConfig struct {
	// QuickJoin skips operator approval: admitted connections are
	// approved immediately instead of held pending.
	QuickJoin            bool `yaml:"quick_join"`
	MaxPendingPerAddress int  `yaml:"max_pending_per_address"`

	PendingTimeout time.Duration `yaml:"-"`
	RateWindow     time.Duration `yaml:"-"`
	Retention      time.Duration `yaml:"-"`

	PendingTimeoutRaw string `yaml:"pending_timeout"`
	RateWindowRaw     string `yaml:"rate_window"`
	RetentionRaw      string `yaml:"retention"`
}

// StatusConfig holds status publisher configuration
type StatusConfig struct {
	ObserverBuffer int `yaml:"observer_buffer"`

	CoalesceWindow time.Duration `yaml:"-"`

	CoalesceWindowRaw string `yaml:"coalesce_window"`
}

// HealthConfig holds game server health probe configuration
type HealthConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`

	ProbeInterval time.Duration `yaml:"-"`
	ProbeTimeout  time.Duration `yaml:"-"`

	ProbeIntervalRaw string `yaml:"probe_interval"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout"`
}

// SupervisorConfig holds managed game server process configuration
type SupervisorConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Command      []string `yaml:"command"`
	WorkDir      string   `yaml:"workdir"`
	StopCommand  string   `yaml:"stop_command"`
	ReadyPattern string   `yaml:"ready_pattern"`

	StopTimeout time.Duration `yaml:"-"`

	StopTimeoutRaw string `yaml:"stop_timeout"`
}

// ConsoleConfig holds the operator console HTTP address
type ConsoleConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	// JWTSecret signs operator tokens. Empty disables auth on the
	// control surface (LAN mode); a warning is logged at startup.
	JWTSecret    string `yaml:"jwt_secret"`
	PasswordHash string `yaml:"password_hash"`

	TokenTTL time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// LedgerConfig holds the audit ledger database configuration
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Expose the console publicly via Funnel (implies HTTPS)
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS inside the tailnet with provisioned certs
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and unset policy
// values are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tunnel.Listen == "" {
		return fmt.Errorf("tunnel.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Tunnel.Listen); err != nil {
		return fmt.Errorf("tunnel.listen is not a valid host:port: %w", err)
	}

	if c.Game.Address == "" {
		return fmt.Errorf("game.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Game.Address); err != nil {
		return fmt.Errorf("game.address is not a valid host:port: %w", err)
	}

	// Console address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Console.HTTPAddr == "" {
		return fmt.Errorf("console.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}

	if c.Supervisor.Enabled && len(c.Supervisor.Command) == 0 {
		return fmt.Errorf("supervisor.command is required when supervisor is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	return nil
}

// applyDefaults fills unset policy values with their defaults.
func (c *Config) applyDefaults() {
	if c.Tunnel.MaxConnections <= 0 {
		c.Tunnel.MaxConnections = 64
	}
	if c.Tunnel.DialTimeout <= 0 {
		c.Tunnel.DialTimeout = 5 * time.Second
	}
	if c.Approval.MaxPendingPerAddress <= 0 {
		c.Approval.MaxPendingPerAddress = 5
	}
	if c.Approval.PendingTimeout <= 0 {
		c.Approval.PendingTimeout = 2 * time.Minute
	}
	if c.Approval.RateWindow <= 0 {
		c.Approval.RateWindow = time.Minute
	}
	if c.Approval.Retention <= 0 {
		c.Approval.Retention = 5 * time.Minute
	}
	if c.Status.ObserverBuffer <= 0 {
		c.Status.ObserverBuffer = 64
	}
	if c.Status.CoalesceWindow <= 0 {
		c.Status.CoalesceWindow = 250 * time.Millisecond
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.ProbeInterval <= 0 {
		c.Health.ProbeInterval = 5 * time.Second
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.Supervisor.StopCommand == "" {
		c.Supervisor.StopCommand = "stop"
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = 30 * time.Second
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Default returns a fully-populated configuration with default values,
// used by the init subcommand to seed a starter config file.
func Default() *Config {
	cfg := &Config{
		Tunnel:  TunnelConfig{Listen: "0.0.0.0:25665"},
		Game:    GameConfig{Address: "127.0.0.1:25565"},
		Console: ConsoleConfig{HTTPAddr: "127.0.0.1:8090"},
		Ledger:  LedgerConfig{Path: "./portcullis.db"},
		Metrics: MetricsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tunnel.dial_timeout", cfg.Tunnel.DialTimeoutRaw, &cfg.Tunnel.DialTimeout},
		{"approval.pending_timeout", cfg.Approval.PendingTimeoutRaw, &cfg.Approval.PendingTimeout},
		{"approval.rate_window", cfg.Approval.RateWindowRaw, &cfg.Approval.RateWindow},
		{"approval.retention", cfg.Approval.RetentionRaw, &cfg.Approval.Retention},
		{"status.coalesce_window", cfg.Status.CoalesceWindowRaw, &cfg.Status.CoalesceWindow},
		{"health.probe_interval", cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval},
		{"health.probe_timeout", cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout},
		{"supervisor.stop_timeout", cfg.Supervisor.StopTimeoutRaw, &cfg.Supervisor.StopTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
