// ABOUTME: Gateway orchestrator that wires the session coordinator to HTTP and gRPC servers
// ABOUTME: Manages store, protocol dialer, listeners (TCP or tsnet) and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/dedupe"
	"github.com/2389/tether-gateway/internal/events"
	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/protocol/loopback"
	"github.com/2389/tether-gateway/internal/protocol/matrix"
	"github.com/2389/tether-gateway/internal/sealed"
	"github.com/2389/tether-gateway/internal/session"
	"github.com/2389/tether-gateway/internal/store"
)

// Gateway owns the session coordinator and the servers exposing it.
type Gateway struct {
	config      *config.Config
	store       store.Store
	coordinator *session.Coordinator
	events      *events.Broadcaster
	clock       clock.Clock
	logger      *slog.Logger

	// replay makes POST /messages idempotent per session and idempotency key
	replay *dedupe.Cache

	// loopback is set when the loopback network is the protocol, enabling debug routes
	loopback *loopback.Network

	// verifier is nil when operator auth is disabled
	verifier *auth.JWTVerifier

	// grpcServer serves the health service; nil when no gRPC listener is configured
	grpcServer *grpc.Server
	health     *healthReporter

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// deps are the collaborators New builds from config; tests inject their own.
type deps struct {
	store  store.Store
	dialer protocol.Dialer
	clock  clock.Clock
}

// initStore opens the credential store, sealing blobs with the configured age identity.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Storage.Path
	if envPath := os.Getenv("TETHER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	opts := store.Options{
		Driver: cfg.Storage.Driver,
		Logger: logger,
	}
	if cfg.Storage.IdentityFile != "" {
		box, err := sealed.LoadIdentity(cfg.Storage.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("loading age identity (run 'tether-gateway init'): %w", err)
		}
		opts.Sealer = box
		logger.Info("credential sealing enabled", "recipient", box.Recipient())
	}

	s, err := store.NewSQLiteStore(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initDialer builds the protocol adapter selected by protocol.driver.
func initDialer(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (protocol.Dialer, error) {
	switch cfg.Protocol.Driver {
	case config.ProtocolMatrix:
		d, err := matrix.NewDialer(matrix.Options{
			Homeserver:  cfg.Protocol.Matrix.Homeserver,
			RedirectURL: cfg.Protocol.Matrix.RedirectURL,
			DeviceName:  cfg.Protocol.Matrix.DeviceName,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating matrix dialer: %w", err)
		}
		return d, nil
	case config.ProtocolLoopback:
		logger.Warn("using the in-process loopback network; sessions never leave this process")
		return loopback.NewNetwork(loopback.Options{
			CodeRotation: cfg.Protocol.Loopback.CodeRotation,
			Clock:        clk,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Protocol.Driver)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	clk := clock.Real()

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	dialer, err := initDialer(cfg, clk, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, deps{store: s, dialer: dialer, clock: clk}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(cfg *config.Config, d deps, logger *slog.Logger) (*Gateway, error) {
	if d.clock == nil {
		d.clock = clock.Real()
	}

	broadcaster := events.NewBroadcaster(logger)
	coordinator, err := session.NewCoordinator(session.Config{
		Dialer:              d.dialer,
		Credentials:         d.store,
		Audit:               d.store,
		Events:              broadcaster,
		Clock:               d.clock,
		Cooldown:            cfg.Sessions.Cooldown,
		ReconnectBackoff:    cfg.Sessions.ReconnectBackoff,
		ReconnectMaxBackoff: cfg.Sessions.ReconnectMaxBackoff,
		StartOnStatus:       cfg.Sessions.StartOnStatus,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session coordinator: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       d.store,
		coordinator: coordinator,
		events:      broadcaster,
		clock:       d.clock,
		logger:      logger.With("component", "gateway"),
		replay:      dedupe.New(cfg.Sends.ReplayTTL, cfg.Sends.ReplayMaxEntries, d.clock),
	}
	if lb, ok := d.dialer.(*loopback.Network); ok {
		gw.loopback = lb
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		gw.logger.Warn("operator auth disabled - no jwt_secret configured")
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.health = newHealthReporter(coordinator, broadcaster, logger)
		gw.grpcServer = gw.createGRPCServer()
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE streams end when the broadcaster closes their channels
	gw.httpServer.RegisterOnShutdown(broadcaster.Close)

	return gw, nil
}

// Handler returns the HTTP handler serving the gateway API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Coordinator exposes the session coordinator, mainly for embedding and tests.
func (g *Gateway) Coordinator() *session.Coordinator {
	return g.coordinator
}

// setupTCPListeners creates standard TCP listeners for HTTP and, if configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// restoreSessions starts every session with stored credentials when restore_on_boot is set.
func (g *Gateway) restoreSessions(ctx context.Context) {
	if !g.config.Sessions.RestoreOnBoot {
		return
	}
	started, err := g.coordinator.RestoreAll(ctx)
	if err != nil {
		g.logger.Error("restoring sessions failed", "error", err)
		return
	}
	g.logger.Info("sessions restored from credential store", "count", started)
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.health != nil {
		g.health.Start()
	}
	g.restoreSessions(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	if g.health != nil {
		g.health.Stop()
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Connections are closed; stored credentials are kept for the next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.coordinator.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.replay.Close()
	g.events.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the credential store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.ListCredentialIDs(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("credential store unavailable"))
		return
	}

	tracked := len(g.coordinator.List())
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d connected)", tracked, g.coordinator.ConnectedCount())
}
