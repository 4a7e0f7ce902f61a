// ABOUTME: Operator CLI for the portcullis gateway console
// ABOUTME: Lists, approves and rejects connections and watches live status events

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/lanward/portcullis/internal/registry"
	"github.com/lanward/portcullis/internal/status"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _             _ _ _
 _ __   ___  _ __| |_ ___ _   _| | (_)___
| '_ \ / _ \| '__| __/ __| | | | | | / __|
| |_) | (_) | |  | || (__| |_| | | | \__ \
| .__/ \___/|_|   \__\___|\__,_|_|_|_|___/
|_|                                  admin
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath())
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	client := newConsoleClient(consoleURL(cfg), getToken(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		err = cmdStatus(ctx, client)
	case "connections", "ls":
		err = cmdConnections(ctx, client)
	case "approve":
		err = cmdApprove(ctx, client, args)
	case "reject":
		err = cmdReject(ctx, client, args)
	case "watch":
		err = cmdWatch(ctx, client)
	case "server":
		err = cmdServer(ctx, client, args)
	case "ledger":
		err = cmdLedger(ctx, client, args)
	case "login":
		err = cmdLogin(ctx, client, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: portcullis-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                     Show console reachability, stats and server health")
	fmt.Println("  connections                List connections and their lifecycle states")
	fmt.Println("  approve <id>               Approve a pending connection")
	fmt.Println("  reject <id> [--reason]     Reject a pending connection")
	fmt.Println("  watch                      Stream live status events (Ctrl+C to stop)")
	fmt.Println("  server status              Show the game server's health verdict")
	fmt.Println("  server start               Start the supervised game server")
	fmt.Println("  server stop                Stop the supervised game server")
	fmt.Println("  server command <cmd...>    Send a console command to the game server")
	fmt.Println("  ledger [filters]           Show recent audit ledger entries")
	fmt.Println("  login [--save]             Exchange the console password for a token")
	fmt.Println("  version                    Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PORTCULLIS_CONSOLE   Console base URL (default: http://127.0.0.1:8090)")
	fmt.Println("  PORTCULLIS_TOKEN     Operator token (overrides the saved token file)")
	fmt.Println()
	yellow.Println("Config:")
	fmt.Println("  ~/.config/portcullis/admin.toml sets [console] url and token;")
	fmt.Println("  ~/.config/portcullis/token is written by login --save.")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  portcullis-admin connections")
	fmt.Println("  portcullis-admin approve 1a2b3c4d")
	fmt.Println("  portcullis-admin reject 1a2b3c4d --reason \"unknown player\"")
	fmt.Println("  portcullis-admin ledger --kind rejected --since 2h --limit 20")
	fmt.Println()
}

// consoleURL returns the console base URL from PORTCULLIS_CONSOLE, the
// admin config, or the default local listener.
func consoleURL(cfg *Config) string {
	if u := os.Getenv("PORTCULLIS_CONSOLE"); u != "" {
		return u
	}
	if cfg.Console.URL != "" {
		return cfg.Console.URL
	}
	return "http://127.0.0.1:8090"
}

// getToken returns the operator token from PORTCULLIS_TOKEN, the admin
// config, or the saved token file, in that order. An empty token is fine
// when the console runs without authentication.
func getToken(cfg *Config) string {
	if token := os.Getenv("PORTCULLIS_TOKEN"); token != "" {
		return token
	}
	if cfg.Console.Token != "" {
		return cfg.Console.Token
	}

	path := tokenFilePath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// tokenFilePath returns where `portcullis token --save` and `login --save`
// keep the operator token.
func tokenFilePath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "portcullis", "token")
}

// cmdStatus shows console reachability and a stats summary.
func cmdStatus(ctx context.Context, client *consoleClient) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	var health struct {
		Status string `json:"status"`
	}
	if err := client.get(ctx, "/healthz", &health); err != nil {
		yellow.Printf("  Console:   ")
		color.Red("UNREACHABLE (%v)", err)
		fmt.Println()
		return nil
	}

	green.Printf("  Console:   ")
	fmt.Printf("connected to %s\n", client.baseURL)

	var stats gatewayStats
	if err := client.get(ctx, "/api/gateway/stats", &stats); err != nil {
		yellow.Printf("  Stats:     ")
		if client.token == "" {
			fmt.Println("(no token - run 'portcullis-admin login' or set PORTCULLIS_TOKEN)")
		} else {
			color.Red("%v", err)
		}
		fmt.Println()
		return nil
	}

	green.Printf("  Server:    ")
	fmt.Println(stats.ServerStatus)
	green.Printf("  Uptime:    ")
	fmt.Println((time.Duration(stats.UptimeSeconds) * time.Second).String())
	green.Printf("  Traffic:   ")
	fmt.Printf("%s to clients / %s to server\n", formatBytes(stats.BytesSent), formatBytes(stats.BytesReceived))
	green.Printf("  Observers: ")
	fmt.Println(stats.Observers)
	green.Printf("  Sessions:  ")
	fmt.Println(summarizeStates(stats.Connections))
	fmt.Println()

	return nil
}

// cmdConnections lists the connection table.
func cmdConnections(ctx context.Context, client *consoleClient) error {
	var conns []registry.Snapshot
	if err := client.get(ctx, "/api/connections", &conns); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Connections")
	cyan.Println("  -----------")

	if len(conns) == 0 {
		fmt.Println("  (no connections)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tENDPOINT\tSTATE\tREASON\tSENT\tRECEIVED\tCHANGED")
	fmt.Fprintln(w, "  --\t--------\t-----\t------\t----\t--------\t-------")

	for _, c := range conns {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(c.ID), c.Endpoint, c.State, truncate(c.Reason, 24),
			formatBytes(c.BytesSent), formatBytes(c.BytesReceived),
			c.LastChangeAt.Local().Format("Jan 02 15:04:05"))
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdApprove approves a pending connection.
func cmdApprove(ctx context.Context, client *consoleClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: approve <connection-id>")
	}

	id, err := resolveConnectionID(ctx, client, args[0])
	if err != nil {
		return err
	}

	var snap registry.Snapshot
	if err := client.post(ctx, "/api/connections/"+id+"/approve", nil, &snap); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Approved: %s\n", shortID(snap.ID))
	fmt.Printf("  Endpoint:  %s\n", snap.Endpoint)
	fmt.Printf("  State:     %s\n", snap.State)

	return nil
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// cmdReject rejects a pending connection with an optional reason.
func cmdReject(ctx context.Context, client *consoleClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: reject <connection-id> [--reason <text>]")
	}

	var reason string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--reason", "-r":
			if i+1 < len(args) {
				reason = args[i+1]
				i++
			}
		}
	}

	id, err := resolveConnectionID(ctx, client, args[0])
	if err != nil {
		return err
	}

	var body any
	if reason != "" {
		body = rejectBody{Reason: reason}
	}

	var snap registry.Snapshot
	if err := client.post(ctx, "/api/connections/"+id+"/reject", body, &snap); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Rejected: %s\n", shortID(snap.ID))
	fmt.Printf("  Endpoint:  %s\n", snap.Endpoint)
	if snap.Reason != "" {
		fmt.Printf("  Reason:    %s\n", snap.Reason)
	}

	return nil
}

// resolveConnectionID expands a unique ID prefix into a full connection ID
// so operators can act on the short IDs the tables print.
func resolveConnectionID(ctx context.Context, client *consoleClient, prefix string) (string, error) {
	var conns []registry.Snapshot
	if err := client.get(ctx, "/api/connections", &conns); err != nil {
		return "", err
	}

	var matches []string
	for _, c := range conns {
		if c.ID == prefix {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, prefix) {
			matches = append(matches, c.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no connection matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d connections, give more characters", prefix, len(matches))
	}
}

// cmdWatch streams live status events until interrupted.
func cmdWatch(ctx context.Context, client *consoleClient) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Printf("Watching %s (Ctrl+C to stop)\n\n", client.baseURL)

	err := client.watchEvents(ctx, func(ev status.Event) {
		stamp := time.Now().Format("15:04:05")

		switch ev.Kind {
		case status.KindServerStatus:
			var payload status.ServerStatusPayload
			if json.Unmarshal(ev.Payload, &payload) != nil {
				return
			}
			fmt.Printf("%s  server: ", stamp)
			switch payload.Status {
			case "running":
				green.Println(payload.Status)
			case "stopped":
				color.Red("%s\n", payload.Status)
			default:
				yellow.Println(payload.Status)
			}

		case status.KindConnectionsUpdate:
			var payload status.ConnectionsPayload
			if json.Unmarshal(ev.Payload, &payload) != nil {
				return
			}
			counts := make(map[string]int)
			var pending []registry.Snapshot
			for _, c := range payload.Connections {
				counts[c.State.String()]++
				if c.State == registry.StatePending {
					pending = append(pending, c)
				}
			}
			fmt.Printf("%s  connections: %s\n", stamp, summarizeStates(counts))
			for _, p := range pending {
				yellow.Printf("          pending %s  %s\n", shortID(p.ID), p.Endpoint)
			}
		}
	})
	if errors.Is(err, context.Canceled) {
		fmt.Println()
		return nil
	}
	return err
}

// cmdServer handles game server subcommands.
func cmdServer(ctx context.Context, client *consoleClient, args []string) error {
	// Default to status
	subcmd := "status"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "status":
		return cmdServerStatus(ctx, client)
	case "start":
		return cmdServerStart(ctx, client)
	case "stop":
		return cmdServerStop(ctx, client)
	case "command", "cmd":
		return cmdServerCommand(ctx, client, args)
	default:
		return fmt.Errorf("unknown server subcommand: %s (use status, start, stop, command)", subcmd)
	}
}

func cmdServerStatus(ctx context.Context, client *consoleClient) error {
	var st serverStatus
	if err := client.get(ctx, "/api/server/status", &st); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Game Server")
	cyan.Println("  -----------")
	fmt.Printf("  Status:   %s\n", st.Status)
	fmt.Printf("  Since:    %s\n", st.ChangedAt.Local().Format("Jan 02 15:04:05"))
	if st.Managed {
		fmt.Printf("  Managed:  yes (ready: %v)\n", st.Ready)
	} else {
		fmt.Println("  Managed:  no")
	}
	fmt.Println()

	return nil
}

func cmdServerStart(ctx context.Context, client *consoleClient) error {
	if err := client.post(ctx, "/api/server/start", nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Start requested")
	return nil
}

func cmdServerStop(ctx context.Context, client *consoleClient) error {
	if err := client.post(ctx, "/api/server/stop", nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Server stopped")
	return nil
}

func cmdServerCommand(ctx context.Context, client *consoleClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: server command <command...>")
	}

	command := strings.Join(args, " ")
	body := map[string]string{"command": command}
	if err := client.post(ctx, "/api/server/command", body, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Sent: %s\n", command)
	return nil
}

// cmdLedger queries the audit ledger with optional filters.
func cmdLedger(ctx context.Context, client *consoleClient, args []string) error {
	q := url.Values{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--kind", "-k":
			if i+1 < len(args) {
				q.Set("kind", args[i+1])
				i++
			}
		case "--connection", "-c":
			if i+1 < len(args) {
				q.Set("connection", args[i+1])
				i++
			}
		case "--since", "-s":
			if i+1 < len(args) {
				t, err := parseTimeArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid since: %w", err)
				}
				q.Set("since", t.Format(time.RFC3339))
				i++
			}
		case "--until", "-u":
			if i+1 < len(args) {
				t, err := parseTimeArg(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid until: %w", err)
				}
				q.Set("until", t.Format(time.RFC3339))
				i++
			}
		case "--limit", "-n":
			if i+1 < len(args) {
				q.Set("limit", args[i+1])
				i++
			}
		}
	}

	path := "/api/ledger"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page ledgerPage
	if err := client.get(ctx, path, &page); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Ledger")
	cyan.Println("  ------------")

	if len(page.Entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tKIND\tCONNECTION\tENDPOINT\tREASON\tACTOR")
	fmt.Fprintln(w, "  ----\t----\t----------\t--------\t------\t-----")

	for _, e := range page.Entries {
		actor := ""
		if e.Actor != nil {
			actor = *e.Actor
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04:05"), e.Kind,
			shortID(e.ConnectionID), e.Endpoint, truncate(e.Reason, 24), actor)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// parseTimeArg accepts either a relative duration like 2h or an RFC3339
// timestamp.
func parseTimeArg(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want a duration like 2h or an RFC3339 timestamp")
	}
	return t, nil
}

// cmdLogin exchanges the console password for an operator token.
func cmdLogin(ctx context.Context, client *consoleClient, args []string) error {
	var save bool
	for _, arg := range args {
		if arg == "--save" {
			save = true
		}
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Console password: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimSpace(line)
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	var result loginResult
	if err := client.post(ctx, "/api/login", map[string]string{"password": password}, &result); err != nil {
		return err
	}

	if save {
		tokenPath := tokenFilePath()
		if tokenPath == "" {
			return fmt.Errorf("could not determine config directory")
		}
		if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(tokenPath, []byte(result.Token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "✓ Saved token: %s\n", tokenPath)
	}

	// Token on stdout so it can be captured; decoration on stderr
	fmt.Println(result.Token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", result.ExpiresAt.Local().Format(time.RFC3339))

	return nil
}

// stateOrder fixes the display order of lifecycle states in summaries.
var stateOrder = []string{"pending", "approved", "active", "closed", "rejected"}

// summarizeStates renders per-state connection counts in lifecycle order.
func summarizeStates(counts map[string]int) string {
	var parts []string
	for _, state := range stateOrder {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}

// shortID returns the first 8 characters of a connection ID, enough to
// identify it and short enough to retype.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
