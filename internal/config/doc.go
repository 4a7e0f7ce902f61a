// Package config handles configuration loading for portcullis.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every policy knob
// (approval timeout, rate limit, coalescing window, retention, probes).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PORTCULLIS_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	approval:
//	  pending_timeout: "120s"
//	  rate_window: "1m"
//	  retention: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Public tunnel listener:
//
//	tunnel:
//	  listen: "0.0.0.0:25665"   # where remote players connect
//	  max_connections: 64
//	  dial_timeout: "5s"        # dialing the local game server
//
// Local game server:
//
//	game:
//	  address: "127.0.0.1:25565"
//
// Admission policy:
//
//	approval:
//	  quick_join: false              # true approves connections on arrival
//	  pending_timeout: "120s"
//	  max_pending_per_address: 5
//	  rate_window: "1m"
//	  retention: "5m"                # terminal entries kept this long
//
// Status publisher:
//
//	status:
//	  coalesce_window: "250ms"
//	  observer_buffer: 64
//
// Health probing:
//
//	health:
//	  probe_interval: "5s"
//	  probe_timeout: "2s"
//	  failure_threshold: 3
//
// Managed game server process (optional):
//
//	supervisor:
//	  enabled: true
//	  command: ["java", "-Xmx4G", "-jar", "server.jar", "nogui"]
//	  workdir: "/srv/minecraft"
//	  stop_command: "stop"      # written to the server's stdin
//	  stop_timeout: "30s"
//	  ready_pattern: "Done"     # stdout line marking readiness
//
// Operator console and auth:
//
//	console:
//	  http_addr: "127.0.0.1:8090"
//	auth:
//	  jwt_secret: "${PORTCULLIS_JWT_SECRET}"
//	  password_hash: "$2a$10$..."    # bcrypt, from `portcullis passwd`
//	  token_ttl: "24h"
//
// Audit ledger:
//
//	ledger:
//	  path: "/var/lib/portcullis/ledger.db"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "portcullis"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/portcullis/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
