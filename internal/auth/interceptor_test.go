// ABOUTME: Unit tests for gRPC auth interceptors
// ABOUTME: Tests metadata extraction, public methods and stream context wrapping

package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Helper to create test context with authorization header
func contextWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func captureHandler(got **AuthContext) grpc.UnaryHandler {
	return func(ctx context.Context, req any) (any, error) {
		*got = FromContext(ctx)
		return "ok", nil
	}
}

func TestUnaryInterceptor_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("ops", "acme", time.Hour)
	interceptor := UnaryInterceptor(verifier, nil, nil)

	var got *AuthContext
	resp, err := interceptor(contextWithAuth(token), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, captureHandler(&got))
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if resp != "ok" {
		t.Errorf("resp = %v, want ok", resp)
	}
	if got == nil || got.Tenant != "acme" {
		t.Errorf("AuthContext = %+v, want tenant acme", got)
	}
}

func TestUnaryInterceptor_Unauthenticated(t *testing.T) {
	verifier := newTestVerifier(t)
	interceptor := UnaryInterceptor(verifier, nil, nil)

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "no metadata", ctx: context.Background()},
		{name: "no authorization", ctx: metadata.NewIncomingContext(context.Background(), metadata.MD{})},
		{name: "bad format", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Token abc"))},
		{name: "bad token", ctx: contextWithAuth("garbage")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			_, err := interceptor(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, captureHandler(&got))
			if status.Code(err) != codes.Unauthenticated {
				t.Errorf("code = %v, want Unauthenticated", status.Code(err))
			}
			if got != nil {
				t.Error("handler should not be called")
			}
		})
	}
}

func TestUnaryInterceptor_PublicMethod(t *testing.T) {
	verifier := newTestVerifier(t)
	interceptor := UnaryInterceptor(verifier, &InterceptorConfig{PublicMethods: []string{healthCheckMethod}}, nil)

	var got *AuthContext
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: healthCheckMethod}, captureHandler(&got))
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got != Anonymous {
		t.Errorf("AuthContext = %+v, want Anonymous", got)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("ops", "", time.Hour)
	interceptor := StreamInterceptor(verifier, nil, nil)

	var got *AuthContext
	handler := func(srv any, ss grpc.ServerStream) error {
		got = FromContext(ss.Context())
		return nil
	}

	err := interceptor(nil, &fakeServerStream{ctx: contextWithAuth(token)}, &grpc.StreamServerInfo{FullMethod: "/svc/Watch"}, handler)
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got == nil || got.Subject != "ops" {
		t.Errorf("AuthContext = %+v, want subject ops", got)
	}

	err = interceptor(nil, &fakeServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/svc/Watch"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}
