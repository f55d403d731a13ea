// ABOUTME: gRPC server exposing the standard health service per session
// ABOUTME: session/<id> is SERVING while CONNECTED; the empty name reports the gateway

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/events"
	"github.com/2389/tether-gateway/internal/session"
)

// sessionServicePrefix prefixes health service names for sessions.
const sessionServicePrefix = "session/"

// healthServiceName returns the health service name for a session.
func healthServiceName(sessionID string) string {
	return sessionServicePrefix + sessionID
}

func servingStatus(status string) healthpb.HealthCheckResponse_ServingStatus {
	if status == session.StatusConnected.String() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// healthReporter mirrors session lifecycle events into a grpc health server.
type healthReporter struct {
	server      *health.Server
	coordinator *session.Coordinator
	events      *events.Broadcaster
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newHealthReporter(coordinator *session.Coordinator, broadcaster *events.Broadcaster, logger *slog.Logger) *healthReporter {
	return &healthReporter{
		server:      health.NewServer(),
		coordinator: coordinator,
		events:      broadcaster,
		logger:      logger.With("component", "grpc-health"),
		done:        make(chan struct{}),
	}
}

// Start seeds statuses from the coordinator and follows lifecycle events.
func (h *healthReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	// Subscribe first so a transition during seeding is not lost
	ch, _ := h.events.Subscribe(ctx, events.AllSessions)

	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, v := range h.coordinator.List() {
		h.server.SetServingStatus(healthServiceName(v.SessionID), servingStatus(v.Status.String()))
	}

	go func() {
		defer close(h.done)
		for ev := range ch {
			if ev.Kind != events.KindStatus {
				continue
			}
			h.server.SetServingStatus(healthServiceName(ev.SessionID), servingStatus(ev.Status))
		}
	}()
	h.logger.Debug("health reporter started")
}

// Stop marks every service NOT_SERVING and stops following events.
func (h *healthReporter) Stop() {
	h.once.Do(func() {
		h.server.Shutdown()
		if h.cancel == nil {
			return
		}
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(time.Second):
			h.logger.Warn("health reporter did not stop in time")
		}
	})
}

// publicHealthMethods are served without operator credentials.
var publicHealthMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// createGRPCServer creates the gRPC server. Operator auth applies to
// everything except the health probes when a jwt_secret is configured.
func (g *Gateway) createGRPCServer() *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if g.verifier != nil {
		interceptorConfig := &auth.InterceptorConfig{PublicMethods: publicHealthMethods}
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(g.verifier, interceptorConfig, g.logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(g.verifier, interceptorConfig, g.logger)),
		)
		g.logger.Info("gRPC auth interceptors enabled (health probes public)")
	} else {
		g.logger.Warn("gRPC auth disabled - no jwt_secret configured")
	}

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, g.health.server)
	reflection.Register(server)
	return server
}
