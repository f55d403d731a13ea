// ABOUTME: Configuration loading and parsing for tether-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// Protocol drivers
const (
	ProtocolLoopback = "loopback"
	ProtocolMatrix   = "matrix"
)

// Config represents the complete tether-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sends     SendsConfig     `yaml:"sends" toml:"sends"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// StorageConfig holds credential store configuration
type StorageConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"`
	// IdentityFile is an age identity used to seal credential blobs at rest. Empty stores them unsealed.
	IdentityFile string `yaml:"identity_file" toml:"identity_file"`
}

// SessionsConfig holds lifecycle timing configuration
type SessionsConfig struct {
	Cooldown            time.Duration `yaml:"-" toml:"-"`
	ReconnectBackoff    time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxBackoff time.Duration `yaml:"-" toml:"-"`
	PairingWait         time.Duration `yaml:"-" toml:"-"`

	StartOnStatus bool `yaml:"start_on_status" toml:"start_on_status"`
	RestoreOnBoot bool `yaml:"restore_on_boot" toml:"restore_on_boot"`

	// Raw string values for unmarshaling
	CooldownRaw            string `yaml:"cooldown" toml:"cooldown"`
	ReconnectBackoffRaw    string `yaml:"reconnect_backoff" toml:"reconnect_backoff"`
	ReconnectMaxBackoffRaw string `yaml:"reconnect_max_backoff" toml:"reconnect_max_backoff"`
	PairingWaitRaw         string `yaml:"pairing_wait" toml:"pairing_wait"`
}

// ProtocolConfig selects and configures the messaging protocol adapter
type ProtocolConfig struct {
	Driver   string         `yaml:"driver" toml:"driver"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Loopback LoopbackConfig `yaml:"loopback" toml:"loopback"`
}

// MatrixConfig holds the Matrix adapter configuration
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	// RedirectURL receives the SSO loginToken. "{id}" is replaced by the escaped session id.
	RedirectURL string `yaml:"redirect_url" toml:"redirect_url"`
	DeviceName  string `yaml:"device_name" toml:"device_name"`
}

// LoopbackConfig holds the in-process loopback network configuration
type LoopbackConfig struct {
	CodeRotation    time.Duration `yaml:"-" toml:"-"`
	CodeRotationRaw string        `yaml:"code_rotation" toml:"code_rotation"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	// JWTSecret signs operator tokens. Empty disables operator auth.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SendsConfig holds idempotent send replay configuration
type SendsConfig struct {
	ReplayTTL        time.Duration `yaml:"-" toml:"-"`
	ReplayTTLRaw     string        `yaml:"replay_ttl" toml:"replay_ttl"`
	ReplayMaxEntries int           `yaml:"replay_max_entries" toml:"replay_max_entries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8420"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(DataDir(), "tether.db")
	}
	if c.Sessions.Cooldown == 0 {
		c.Sessions.Cooldown = 15 * time.Minute
	}
	if c.Sessions.ReconnectBackoff == 0 {
		c.Sessions.ReconnectBackoff = time.Second
	}
	if c.Sessions.ReconnectMaxBackoff == 0 {
		c.Sessions.ReconnectMaxBackoff = 30 * time.Second
	}
	if c.Sessions.PairingWait == 0 {
		c.Sessions.PairingWait = 5 * time.Second
	}
	if c.Protocol.Driver == "" {
		c.Protocol.Driver = ProtocolLoopback
	}
	if c.Protocol.Matrix.DeviceName == "" {
		c.Protocol.Matrix.DeviceName = "tether-gateway"
	}
	if c.Protocol.Loopback.CodeRotation == 0 {
		c.Protocol.Loopback.CodeRotation = 20 * time.Second
	}
	if c.Sends.ReplayTTL == 0 {
		c.Sends.ReplayTTL = 10 * time.Minute
	}
	if c.Sends.ReplayMaxEntries == 0 {
		c.Sends.ReplayMaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverSQLite3:
	default:
		return fmt.Errorf("storage.driver %q must be %q or %q", c.Storage.Driver, DriverSQLite, DriverSQLite3)
	}

	if c.Sessions.Cooldown < 0 || c.Sessions.ReconnectBackoff < 0 || c.Sessions.PairingWait < 0 {
		return fmt.Errorf("sessions durations must not be negative")
	}
	if c.Sessions.ReconnectMaxBackoff < c.Sessions.ReconnectBackoff {
		return fmt.Errorf("sessions.reconnect_max_backoff (%s) is below reconnect_backoff (%s)",
			c.Sessions.ReconnectMaxBackoff, c.Sessions.ReconnectBackoff)
	}

	switch c.Protocol.Driver {
	case ProtocolLoopback:
	case ProtocolMatrix:
		if err := validateHomeserver(c.Protocol.Matrix.Homeserver); err != nil {
			return err
		}
		if c.Protocol.Matrix.RedirectURL == "" {
			return fmt.Errorf("protocol.matrix.redirect_url is required")
		}
	default:
		return fmt.Errorf("protocol.driver %q must be %q or %q", c.Protocol.Driver, ProtocolLoopback, ProtocolMatrix)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Sends.ReplayMaxEntries < 0 {
		return fmt.Errorf("sends.replay_max_entries must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be \"text\" or \"json\"", c.Logging.Format)
	}

	return nil
}

func validateHomeserver(raw string) error {
	if raw == "" {
		return fmt.Errorf("protocol.matrix.homeserver is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("protocol.matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("protocol.matrix.homeserver must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("protocol.matrix.homeserver must include a host")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.cooldown", cfg.Sessions.CooldownRaw, &cfg.Sessions.Cooldown},
		{"sessions.reconnect_backoff", cfg.Sessions.ReconnectBackoffRaw, &cfg.Sessions.ReconnectBackoff},
		{"sessions.reconnect_max_backoff", cfg.Sessions.ReconnectMaxBackoffRaw, &cfg.Sessions.ReconnectMaxBackoff},
		{"sessions.pairing_wait", cfg.Sessions.PairingWaitRaw, &cfg.Sessions.PairingWait},
		{"protocol.loopback.code_rotation", cfg.Protocol.Loopback.CodeRotationRaw, &cfg.Protocol.Loopback.CodeRotation},
		{"sends.replay_ttl", cfg.Sends.ReplayTTLRaw, &cfg.Sends.ReplayTTL},
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

// Path returns the config file location.
// Priority: TETHER_CONFIG env var > XDG_CONFIG_HOME/tether/gateway.yaml > ~/.config/tether/gateway.yaml
func Path() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tether", "gateway.yaml")
}

// DataDir returns the directory for the database and age identity.
// Priority: XDG_DATA_HOME/tether > ~/.local/share/tether
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tether")
}
