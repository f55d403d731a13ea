// Package config handles configuration loading for tether-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TETHER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tether/gateway.yaml
//  3. ~/.config/tether/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TETHER_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  cooldown: "15m"
//	  reconnect_backoff: "1s"
//	  reconnect_max_backoff: "30s"
//	  pairing_wait: "5s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8420"
//	  grpc_addr: "127.0.0.1:8421"   # optional health service
//
//	storage:
//	  path: "~/.local/share/tether/tether.db"
//	  driver: "sqlite"              # or "sqlite3" (cgo)
//	  identity_file: ""             # age identity; seals credentials at rest
//
//	sessions:
//	  start_on_status: false
//	  restore_on_boot: true
//
//	protocol:
//	  driver: "loopback"            # or "matrix"
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    redirect_url: "https://gw.example.org/sessions/{id}/pairing/sso"
//	  loopback:
//	    code_rotation: "20s"
//
//	sends:
//	  replay_ttl: "10m"
//	  replay_max_entries: 10000
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text or json
//
// Tailscale settings match the tsnet options (hostname, auth_key, state_dir,
// ephemeral, https, funnel).
package config
