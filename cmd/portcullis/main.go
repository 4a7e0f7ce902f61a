// ABOUTME: Entry point for the portcullis gateway daemon
// ABOUTME: Subcommands cover serving, config setup, health checks and credentials

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/lanward/portcullis/internal/auth"
	"github.com/lanward/portcullis/internal/config"
	"github.com/lanward/portcullis/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _             _ _ _
 _ __   ___  _ __| |_ ___ _   _| | (_)___
| '_ \ / _ \| '__| __/ __| | | | | | / __|
| |_) | (_) | |  | || (__| |_| | | | \__ \
| .__/ \___/|_|   \__\___|\__,_|_|_|_|___/
|_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: PORTCULLIS_CONFIG env var > XDG_CONFIG_HOME/portcullis/portcullis.yaml > ~/.config/portcullis/portcullis.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PORTCULLIS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "portcullis.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "portcullis", "portcullis.yaml")
}

// getDataPath returns the portcullis data directory.
// Priority: XDG_DATA_HOME/portcullis > ~/.local/share/portcullis
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "portcullis")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: portcullis <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the gateway")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  health     Check gateway health")
		fmt.Println("  token      Mint an operator token from the configured secret")
		fmt.Println("  passwd     Hash a console password for the config file")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	// A .env in the working directory feeds ${VAR} expansion in the config
	// file and TS_AUTHKEY. Missing files are fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "passwd":
		err = runPasswd()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Tunnel:    %s", cfg.Tunnel.Listen)
	if cfg.Approval.QuickJoin {
		yellow.Print(" [quick-join]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Game:      %s", cfg.Game.Address)
	if cfg.Supervisor.Enabled {
		gray.Print(" (managed)")
	}
	fmt.Println()

	// Console listener: tailnet when Tailscale is enabled, plain TCP otherwise
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Console:   %s\n", cfg.Console.HTTPAddr)
	}

	fmt.Println()

	logger.Info("starting portcullis",
		"config", configPath,
		"tunnel_addr", cfg.Tunnel.Listen,
		"game_addr", cfg.Game.Address,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Console.HTTPAddr == "" {
		return fmt.Errorf("health check needs console.http_addr (the tailnet console is not reachable from here)")
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Console.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an operator token from the configured JWT secret so the
// admin CLI can talk to a protected console.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	operator := fs.String("operator", "operator", "Subject name recorded in ledger entries")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	save := fs.Bool("save", false, "Also write the token to the config directory for portcullis-admin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	expiresIn := *ttl
	if expiresIn <= 0 {
		expiresIn = cfg.Auth.TokenTTL
	}

	token, err := auth.New([]byte(cfg.Auth.JWTSecret)).Generate(*operator, expiresIn)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		tokenPath := filepath.Join(filepath.Dir(getConfigPath()), "token")
		if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "✓ Saved token: %s\n", tokenPath)
	}

	// Token on stdout so it can be captured; decoration on stderr
	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires in %s\n", expiresIn)
	return nil
}

// runPasswd hashes a console password for the auth section of the config.
func runPasswd() error {
	reader := bufio.NewReader(os.Stdin)

	password := prompt(reader, "Console password", "")
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	confirm := prompt(reader, "Confirm password", "")
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Add to your config:")
	fmt.Println()
	fmt.Println("auth:")
	fmt.Printf("  password_hash: \"%s\"\n", hash)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("portcullis configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaults := config.Default()
	defaultConfigPath := getConfigPath()
	defaultLedgerPath := filepath.Join(getDataPath(), "portcullis.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Tunnel configuration
	fmt.Println("\n--- Tunnel Configuration ---")
	tunnelListen := prompt(reader, "Public tunnel address", defaults.Tunnel.Listen)
	gameAddr := prompt(reader, "Game server address", defaults.Game.Address)
	quickJoin := isYes(prompt(reader, "Skip operator approval (quick-join)?", "no"))

	// Console
	fmt.Println("\n--- Console Configuration ---")
	consoleAddr := prompt(reader, "Console HTTP address", defaults.Console.HTTPAddr)
	protect := isYes(prompt(reader, "Protect the console with a password?", "yes"))

	var jwtSecret, passwordHash string
	if protect {
		password := prompt(reader, "Console password", "")
		if password == "" {
			return fmt.Errorf("password cannot be empty")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		passwordHash = hash

		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	// Ledger
	fmt.Println("\n--- Ledger Configuration ---")
	ledgerPath := prompt(reader, "Ledger database path", defaultLedgerPath)

	// Supervisor
	fmt.Println("\n--- Supervisor Configuration ---")
	managed := isYes(prompt(reader, "Manage the game server process?", "no"))
	var command, workDir string
	if managed {
		command = prompt(reader, "Launch command", "java -Xmx2G -jar server.jar nogui")
		workDir = prompt(reader, "Working directory", ".")
	}

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Serve the console over Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "portcullis")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# portcullis configuration\n")
	cfg.WriteString("# Generated by portcullis init\n\n")

	cfg.WriteString("tunnel:\n")
	cfg.WriteString(fmt.Sprintf("  listen: \"%s\"\n", tunnelListen))
	cfg.WriteString("\n")

	cfg.WriteString("game:\n")
	cfg.WriteString(fmt.Sprintf("  address: \"%s\"\n", gameAddr))
	cfg.WriteString("\n")

	cfg.WriteString("approval:\n")
	cfg.WriteString(fmt.Sprintf("  quick_join: %t\n", quickJoin))
	cfg.WriteString("  pending_timeout: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("console:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", consoleAddr))
	cfg.WriteString("\n")

	if protect {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
		cfg.WriteString(fmt.Sprintf("  password_hash: \"%s\"\n", passwordHash))
		cfg.WriteString("\n")
	}

	cfg.WriteString("ledger:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", ledgerPath))
	cfg.WriteString("\n")

	if managed {
		parts := strings.Fields(command)
		quoted := make([]string, len(parts))
		for i, p := range parts {
			quoted[i] = fmt.Sprintf("\"%s\"", p)
		}
		cfg.WriteString("supervisor:\n")
		cfg.WriteString("  enabled: true\n")
		cfg.WriteString(fmt.Sprintf("  command: [%s]\n", strings.Join(quoted, ", ")))
		cfg.WriteString(fmt.Sprintf("  workdir: \"%s\"\n", workDir))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600 because the file may hold the JWT secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure the ledger directory exists
	ledgerDir := filepath.Dir(ledgerPath)
	if err := os.MkdirAll(ledgerDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if protect {
		fmt.Println("\nMint a token for the admin CLI:")
		fmt.Printf("  portcullis token --save\n")
	}
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  portcullis serve\n")

	return nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
