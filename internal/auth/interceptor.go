// ABOUTME: gRPC interceptors authenticating operator JWTs from request metadata
// ABOUTME: Health probes may be exempted so orchestrators can check liveness without a token

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// InterceptorConfig controls which methods skip authentication.
type InterceptorConfig struct {
	// PublicMethods are full method names ("/pkg.Service/Method") served without a token.
	PublicMethods []string
}

func (c *InterceptorConfig) isPublic(fullMethod string) bool {
	if c == nil {
		return false
	}
	for _, m := range c.PublicMethods {
		if m == fullMethod {
			return true
		}
	}
	return false
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(tokens TokenVerifier, config *InterceptorConfig, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if config.isPublic(info.FullMethod) {
			return handler(WithAuth(ctx, Anonymous), req)
		}
		authCtx, err := extractAuth(ctx, tokens, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(tokens TokenVerifier, config *InterceptorConfig, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx := Anonymous
		if !config.isPublic(info.FullMethod) {
			var err error
			authCtx, err = extractAuth(ss.Context(), tokens, logger, info.FullMethod)
			if err != nil {
				return err
			}
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream overrides the stream context with the authenticated one.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractAuth verifies the bearer token carried in the "authorization" metadata key.
func extractAuth(ctx context.Context, tokens TokenVerifier, logger *slog.Logger, method string) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(logger, ctx, "missing authorization header", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	raw, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || raw == "" {
		logAuthFailure(logger, ctx, "invalid authorization header format", "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	claims, err := tokens.Verify(raw)
	if err != nil {
		logAuthFailure(logger, ctx, "invalid or expired token", "method", method, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return &AuthContext{Subject: claims.Subject, Tenant: claims.Tenant}, nil
}
