// ABOUTME: Admin CLI for tether-gateway session lifecycle management
// ABOUTME: Drives the HTTP operator API and probes per-session gRPC health

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
)

const banner = `
 _        _   _                          _           _
| |_ ___ | |_| |__   ___ _ __       __ _| |_ __ ___ (_)_ __
| __/ _ \| __| '_ \ / _ \ '__|____ / _' | | '_ ' _ \| | '_ \
| ||  __/| |_| | | |  __/ | |_____| (_| | | | | | | | | | | |
 \__\___| \__|_| |_|\___|_|        \__,_|_|_| |_| |_|_|_| |_|
`

const defaultURL = "http://127.0.0.1:8420"

// globals are flags shared by every command.
type globals struct {
	url   string
	token string
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	g := &globals{}
	flags := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	flags.StringVar(&g.url, "url", envOr("TETHER_URL", defaultURL), "gateway HTTP base URL")
	flags.StringVar(&g.token, "token", getToken(), "operator JWT (default $TETHER_TOKEN or ~/.config/tether/token)")

	var err error
	switch cmd {
	case "start":
		err = cmdStart(ctx, flags, g)
	case "status":
		err = cmdStatus(ctx, flags, g)
	case "artifact":
		err = cmdArtifact(ctx, flags, g)
	case "pair":
		err = cmdPair(ctx, flags, g)
	case "token":
		err = cmdToken(ctx, flags, g)
	case "send":
		err = cmdSend(ctx, flags, g)
	case "reset":
		err = cmdReset(ctx, flags, g)
	case "list":
		err = cmdList(ctx, flags, g)
	case "history":
		err = cmdHistory(ctx, flags, g)
	case "grpc-health":
		err = cmdGRPCHealth(ctx, flags, g)
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
	fmt.Println("Usage: tether-admin <command> [args] [--url URL] [--token JWT]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  start <id>                     Start or resume a session")
	fmt.Println("  status <id>                    Show a session's status")
	fmt.Println("  artifact <id> [--wait 5s]      Print the current pairing code")
	fmt.Println("  pair <id> <code>               Complete pairing out of band")
	fmt.Println("  token <id>                     Print the session's send token")
	fmt.Println("  send --session-token T --to DEST --text MSG [--key K]")
	fmt.Println("                                 Send a message through a session")
	fmt.Println("  reset <id>                     Destroy a session and its credentials")
	fmt.Println("  list                           List sessions")
	fmt.Println("  history <id> [--limit N]       Show audited lifecycle transitions")
	fmt.Println("  grpc-health [service] [--grpc ADDR]")
	fmt.Println("                                 Query grpc.health.v1 (service session/<id>)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TETHER_URL       Gateway HTTP URL (default: " + defaultURL + ")")
	fmt.Println("  TETHER_TOKEN     Operator JWT (or ~/.config/tether/token)")
	fmt.Println("  TETHER_GRPC      Gateway gRPC address (default: localhost:50051)")
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken reads the operator token from TETHER_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("TETHER_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "tether", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseID parses flags and returns the single session id argument.
func parseID(flags *pflag.FlagSet) (string, error) {
	if err := flags.Parse(os.Args[2:]); err != nil {
		return "", err
	}
	if flags.NArg() != 1 || flags.Arg(0) == "" {
		return "", fmt.Errorf("usage: tether-admin %s <session-id>", flags.Name())
	}
	return flags.Arg(0), nil
}

func printSession(s session) {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Session %s\n", s.SessionID)
	cyan.Println("  " + strings.Repeat("-", len(s.SessionID)+8))
	fmt.Printf("  Status:       %s\n", colorStatus(s.Status))
	fmt.Printf("  Registered:   %t\n", s.Registered)
	fmt.Printf("  Pairing:      %t\n", s.PairingAvailable)
	fmt.Printf("  Generation:   %d\n", s.Generation)
	if s.Blocked {
		until := ""
		if s.BlockedUntil != nil {
			until = s.BlockedUntil.Local().Format("15:04:05")
		}
		color.Yellow("  Blocked:      %ds remaining (until %s)\n", s.RemainingSeconds, until)
	}
	if s.LastReason != "" {
		fmt.Printf("  Last reason:  %s\n", s.LastReason)
	}
	if s.LastError != "" {
		color.Red("  Last error:   %s\n", s.LastError)
	}
	if s.Attempts > 0 {
		fmt.Printf("  Attempts:     %d\n", s.Attempts)
	}
	fmt.Println()
}

func colorStatus(status string) string {
	switch status {
	case "CONNECTED":
		return color.GreenString(status)
	case "BLOCKED", "DESTROYED":
		return color.RedString(status)
	case "AWAITING_PAIRING", "RECONNECTING":
		return color.YellowString(status)
	default:
		return status
	}
}

func cmdStart(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	id, err := parseID(flags)
	if err != nil {
		return err
	}
	var s session
	if err := newClient(g.url, g.token).do(ctx, "POST", sessionPath(id, "/start"), nil, &s); err != nil {
		return err
	}
	printSession(s)
	return nil
}

func cmdStatus(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	id, err := parseID(flags)
	if err != nil {
		return err
	}
	var s session
	if err := newClient(g.url, g.token).do(ctx, "GET", sessionPath(id, "/status"), nil, &s); err != nil {
		return err
	}
	printSession(s)
	return nil
}

func cmdArtifact(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	wait := flags.Duration("wait", 5*time.Second, "how long to wait for a pairing code")
	id, err := parseID(flags)
	if err != nil {
		return err
	}

	var resp struct {
		Artifact string `json:"artifact"`
	}
	path := sessionPath(id, "/pairing-artifact") + "?wait=" + wait.String()
	if err := newClient(g.url, g.token).do(ctx, "GET", path, nil, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Artifact)
	return nil
}

func cmdPair(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return errors.New("usage: tether-admin pair <session-id> <code>")
	}
	id, code := flags.Arg(0), flags.Arg(1)

	body := map[string]string{"code": code}
	if err := newClient(g.url, g.token).do(ctx, "POST", sessionPath(id, "/pairing"), body, nil); err != nil {
		return err
	}
	color.Green("  ✓ Pairing accepted for %s\n", id)
	return nil
}

func cmdToken(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	id, err := parseID(flags)
	if err != nil {
		return err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := newClient(g.url, g.token).do(ctx, "GET", sessionPath(id, "/token"), nil, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func cmdSend(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	sessionToken := flags.String("session-token", os.Getenv("TETHER_SESSION_TOKEN"), "session send token")
	to := flags.String("to", "", "destination")
	text := flags.String("text", "", "message text")
	key := flags.String("key", "", "idempotency key")
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *sessionToken == "" || *to == "" || *text == "" {
		return errors.New("--session-token, --to and --text are required")
	}

	body := map[string]string{
		"token":       *sessionToken,
		"destination": *to,
		"text":        *text,
	}
	if *key != "" {
		body["idempotency_key"] = *key
	}

	var resp struct {
		MessageID string `json:"message_id"`
		Replayed  bool   `json:"replayed"`
	}
	if err := newClient(g.url, "").do(ctx, "POST", "/messages", body, &resp); err != nil {
		return err
	}
	if resp.Replayed {
		color.Yellow("  ↺ Replayed %s\n", resp.MessageID)
		return nil
	}
	color.Green("  ✓ Sent %s\n", resp.MessageID)
	return nil
}

func cmdReset(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	id, err := parseID(flags)
	if err != nil {
		return err
	}
	if err := newClient(g.url, g.token).do(ctx, "DELETE", sessionPath(id, ""), nil, nil); err != nil {
		return err
	}
	color.Green("  ✓ Reset %s\n", id)
	return nil
}

func cmdList(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}

	var resp struct {
		Sessions []session `json:"sessions"`
	}
	if err := newClient(g.url, g.token).do(ctx, "GET", "/sessions", nil, &resp); err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("  No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tREGISTERED\tREMAINING\tLAST REASON")
	fmt.Fprintln(w, "  --\t------\t----------\t---------\t-----------")
	for _, s := range resp.Sessions {
		remaining := "-"
		if s.Blocked {
			remaining = fmt.Sprintf("%ds", s.RemainingSeconds)
		}
		fmt.Fprintf(w, "  %s\t%s\t%t\t%s\t%s\n", s.SessionID, s.Status, s.Registered, remaining, s.LastReason)
	}
	return w.Flush()
}

func cmdHistory(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	limit := flags.Int("limit", 20, "number of transitions to show")
	id, err := parseID(flags)
	if err != nil {
		return err
	}

	var resp struct {
		Events []struct {
			From      string `json:"from"`
			To        string `json:"to"`
			Reason    string `json:"reason"`
			Timestamp string `json:"timestamp"`
		} `json:"events"`
	}
	path := fmt.Sprintf("%s?limit=%d", sessionPath(id, "/history"), *limit)
	if err := newClient(g.url, g.token).do(ctx, "GET", path, nil, &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tFROM\tTO\tREASON")
	fmt.Fprintln(w, "  ----\t----\t--\t------")
	for _, e := range resp.Events {
		ts := e.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
			ts = t.Local().Format("Jan 02 15:04:05")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", ts, e.From, e.To, e.Reason)
	}
	return w.Flush()
}

func cmdGRPCHealth(ctx context.Context, flags *pflag.FlagSet, g *globals) error {
	addr := flags.String("grpc", envOr("TETHER_GRPC", "localhost:50051"), "gateway gRPC address")
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}
	service := ""
	if flags.NArg() > 0 {
		service = flags.Arg(0)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if g.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+g.token)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
