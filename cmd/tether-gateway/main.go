// ABOUTME: Entry point for tether-gateway, the messaging session lifecycle server
// ABOUTME: Subcommands serve the API, bootstrap config and sealing keys, and probe a running gateway

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/gateway"
	"github.com/2389/tether-gateway/internal/sealed"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _        _   _                                 _
| |_ ___ | |_| |__   ___ _ __       __ _  __ _| |_ _____      ____ _ _   _
| __/ _ \| __| '_ \ / _ \ '__|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| ||  __/| |_| | | |  __/ | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__\___| \__|_| |_|\___|_|        \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

func usage() {
	fmt.Println("Usage: tether-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init [--force]                     Write a config file and age identity")
	fmt.Println("  health                             Check gateway health")
	fmt.Println("  sessions                           List sessions on a running gateway")
	fmt.Println("  operator-token [--tenant T] [--ttl D]  Mint an operator JWT")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "operator-token":
		err = runOperatorToken(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), configPath + " (not found, using defaults)", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Protocol:  %s\n", cfg.Protocol.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s (%s)", cfg.Storage.Path, cfg.Storage.Driver)
	if cfg.Storage.IdentityFile != "" {
		yellow.Print(" [sealed]")
	}
	fmt.Println()

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
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! operator auth disabled (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting tether-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"protocol", cfg.Protocol.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a config with a random operator secret and creates the age
// identity used to seal stored credentials.
func runInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	force := flags.Bool("force", false, "overwrite an existing config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	configPath := config.Path()
	dataPath := config.DataDir()
	dbPath := filepath.Join(dataPath, "tether.db")
	identityPath := filepath.Join(dataPath, "identity.age")

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	box, created, err := sealed.LoadOrCreateIdentity(identityPath)
	if err != nil {
		return fmt.Errorf("preparing age identity: %w", err)
	}
	if created {
		green.Printf("  ✓ Created age identity: %s\n", identityPath)
	} else {
		yellow.Printf("  • Reusing age identity: %s\n", identityPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	configContent := fmt.Sprintf(`# tether-gateway configuration
# Generated by tether-gateway init

server:
  http_addr: "127.0.0.1:8420"
  grpc_addr: ""

storage:
  driver: "sqlite"
  path: %q
  identity_file: %q

sessions:
  cooldown: "15m"
  reconnect_backoff: "1s"
  reconnect_max_backoff: "30s"
  pairing_wait: "5s"
  start_on_status: false
  restore_on_boot: true

protocol:
  driver: "loopback"

auth:
  jwt_secret: %q

sends:
  replay_ttl: "10m"
  replay_max_entries: 10000

logging:
  level: "info"
  format: "text"
`, dbPath, identityPath, jwtSecret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Printf("  ✓ Created config: %s\n", configPath)

	fmt.Println()
	fmt.Printf("  Credential recipient: %s\n", box.Recipient())
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    tether-gateway serve                       # start the gateway")
	fmt.Println("    tether-gateway operator-token > ~/.config/tether/token")
	fmt.Println()
	return nil
}

// runOperatorToken prints an operator JWT signed with the configured secret.
func runOperatorToken(args []string) error {
	flags := pflag.NewFlagSet("operator-token", pflag.ContinueOnError)
	subject := flags.String("subject", "operator", "token subject")
	tenant := flags.String("tenant", "", "restrict the token to sessions under <tenant>/")
	ttl := flags.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured (run 'tether-gateway init')")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *tenant, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, cfg, "/health", false)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	ready, _, err := get(ctx, cfg, "/health/ready", false)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}

	fmt.Printf("healthy (%s) %s\n", body, ready)
	return nil
}

func runSessions(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, cfg, "/sessions", true)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing sessions: status %d: %s", status, body)
	}
	fmt.Println(body)
	return nil
}

// get requests path on the configured HTTP address. Authenticated requests
// carry a short-lived operator token minted from the local secret.
func get(ctx context.Context, cfg *config.Config, path string, authenticated bool) (string, int, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}

	if authenticated && cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return "", 0, fmt.Errorf("creating JWT verifier: %w", err)
		}
		token, err := verifier.Generate("tether-gateway-cli", "", 5*time.Minute)
		if err != nil {
			return "", 0, fmt.Errorf("generating token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return string(data), resp.StatusCode, nil
}
