// ABOUTME: Shared test setup building a Gateway over the loopback network and MockStore
// ABOUTME: Helpers drive the HTTP API through the gateway's handler

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/protocol/loopback"
	"github.com/2389/tether-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	*Gateway
	t     *testing.T
	net   *loopback.Network
	store *store.MockStore
	clock *clock.Fake
}

func newTestGateway(t *testing.T, configure ...func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Sessions.PairingWait = 2 * time.Second
	for _, fn := range configure {
		fn(cfg)
	}

	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	net := loopback.NewNetwork(loopback.Options{Clock: fc, Logger: testLogger()})
	ms := store.NewMockStore()

	gw, err := newGateway(cfg, deps{store: ms, dialer: net, clock: fc}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &testGateway{Gateway: gw, t: t, net: net, store: ms, clock: fc}
}

// do sends a request through the gateway's handler. An empty bearer sends no
// Authorization header.
func (tg *testGateway) do(method, path string, body any, bearer string) *httptest.ResponseRecorder {
	tg.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(tg.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func (tg *testGateway) status(id string) SessionResponse {
	tg.t.Helper()
	rec := tg.do(http.MethodGet, "/sessions/"+id+"/status", nil, "")
	require.Equal(tg.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[SessionResponse](tg.t, rec)
}

func (tg *testGateway) waitStatus(id, want string) {
	tg.t.Helper()
	require.Eventually(tg.t, func() bool {
		return tg.status(id).Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s to reach %s", id, want)
}

// connect starts and pairs a session over HTTP, returning its send token.
func (tg *testGateway) connect(id string) string {
	tg.t.Helper()

	rec := tg.do(http.MethodPost, "/sessions/"+id+"/start", nil, "")
	require.Equal(tg.t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = tg.do(http.MethodGet, "/sessions/"+id+"/pairing-artifact", nil, "")
	require.Equal(tg.t, http.StatusOK, rec.Code, rec.Body.String())
	artifact := decode[ArtifactResponse](tg.t, rec).Artifact

	rec = tg.do(http.MethodPost, "/sessions/"+id+"/pairing", CompletePairingRequest{Code: artifact}, "")
	require.Equal(tg.t, http.StatusOK, rec.Code, rec.Body.String())

	tg.waitStatus(id, "CONNECTED")

	rec = tg.do(http.MethodGet, "/sessions/"+id+"/token", nil, "")
	require.Equal(tg.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[TokenResponse](tg.t, rec).Token
}
