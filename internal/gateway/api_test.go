// ABOUTME: Tests for the session lifecycle HTTP handlers
// ABOUTME: Covers start, pairing, tokens, cooldown responses, reset, listing and history

package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/session"
)

func TestStartReturnsAccepted(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(http.MethodPost, "/sessions/alice/start", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[SessionResponse](t, rec)
	assert.Equal(t, "alice", resp.SessionID)
	assert.Equal(t, 1, tg.net.Opens("alice"))
}

func TestStartTwiceOpensOnce(t *testing.T) {
	tg := newTestGateway(t)

	for range 3 {
		rec := tg.do(http.MethodPost, "/sessions/alice/start", nil, "")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Equal(t, 1, tg.net.Opens("alice"))
}

func TestPairingFlowIssuesToken(t *testing.T) {
	tg := newTestGateway(t)

	token := tg.connect("alice")
	assert.Len(t, token, 64)

	st := tg.status("alice")
	assert.Equal(t, "CONNECTED", st.Status)
	assert.True(t, st.Registered)
	assert.False(t, st.PairingAvailable)

	// Artifact is cleared once connected
	rec := tg.do(http.MethodGet, "/sessions/alice/pairing-artifact?wait=0", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPairingArtifactUnknownSession(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(http.MethodGet, "/sessions/nobody/pairing-artifact?wait=0", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(http.MethodGet, "/sessions/nobody/pairing-artifact?wait=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseWait(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Sessions.PairingWait = 5 * time.Second
	})

	tests := []struct {
		name    string
		query   string
		want    time.Duration
		wantErr bool
	}{
		{name: "default", query: "", want: 5 * time.Second},
		{name: "bare seconds", query: "?wait=3", want: 3 * time.Second},
		{name: "duration", query: "?wait=1500ms", want: 1500 * time.Millisecond},
		{name: "zero", query: "?wait=0", want: 0},
		{name: "capped", query: "?wait=10m", want: maxPairingWait},
		{name: "negative", query: "?wait=-2", wantErr: true},
		{name: "garbage", query: "?wait=soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sessions/a/pairing-artifact"+tt.query, nil)
			got, err := tg.parseWait(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompletePairingErrors(t *testing.T) {
	tg := newTestGateway(t)

	t.Run("missing code", func(t *testing.T) {
		rec := tg.do(http.MethodPost, "/sessions/alice/pairing", CompletePairingRequest{}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions/alice/pairing", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		tg.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := tg.do(http.MethodPost, "/sessions/ghost/pairing", CompletePairingRequest{Code: "LB-XXXX"}, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong code", func(t *testing.T) {
		rec := tg.do(http.MethodPost, "/sessions/bob/start", nil, "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		rec = tg.do(http.MethodGet, "/sessions/bob/pairing-artifact", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = tg.do(http.MethodPost, "/sessions/bob/pairing", CompletePairingRequest{Code: "LB-WRONG"}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("already connected", func(t *testing.T) {
		tg.connect("carol")
		rec := tg.do(http.MethodPost, "/sessions/carol/pairing", CompletePairingRequest{Code: "LB-XXXX"}, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestTokenNotConnected(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(http.MethodGet, "/sessions/alice/token", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tg.do(http.MethodPost, "/sessions/alice/start", nil, "")
	rec = tg.do(http.MethodGet, "/sessions/alice/token", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartDuringCooldown(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect("alice")

	require.NoError(t, tg.net.Disconnect("alice", protocol.ReasonRateLimited))
	tg.waitStatus("alice", "BLOCKED")

	st := tg.status("alice")
	assert.True(t, st.Blocked)
	assert.Equal(t, 900, st.RemainingSeconds)
	require.NotNil(t, st.BlockedUntil)

	rec := tg.do(http.MethodPost, "/sessions/alice/start", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 900, body["retry_after_seconds"])
	assert.NotEmpty(t, body["error"])

	tg.clock.Advance(15 * time.Minute)

	rec = tg.do(http.MethodPost, "/sessions/alice/start", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTerminalDisconnectDestroysSession(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect("alice")

	require.NoError(t, tg.net.Disconnect("alice", protocol.ReasonLoggedOut))

	require.Eventually(t, func() bool {
		st := tg.status("alice")
		return st.Status == "UNINITIALIZED" && !st.Registered
	}, 2*time.Second, 5*time.Millisecond)

	rec := tg.do(http.MethodGet, "/sessions/alice/token", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetIsIdempotent(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect("alice")

	for range 2 {
		rec := tg.do(http.MethodDelete, "/sessions/alice", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	st := tg.status("alice")
	assert.Equal(t, "UNINITIALIZED", st.Status)
	assert.False(t, st.Registered)
}

func TestListSessionsSorted(t *testing.T) {
	tg := newTestGateway(t)

	for _, id := range []string{"carol", "alice", "bob"} {
		require.Equal(t, http.StatusAccepted, tg.do(http.MethodPost, "/sessions/"+id+"/start", nil, "").Code)
	}

	rec := tg.do(http.MethodGet, "/sessions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListSessionsResponse](t, rec)

	var ids []string
	for _, s := range resp.Sessions {
		ids = append(ids, s.SessionID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestListSessionsEmpty(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(http.MethodGet, "/sessions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestHistory(t *testing.T) {
	tg := newTestGateway(t)
	tg.connect("alice")

	rec := tg.do(http.MethodGet, "/sessions/alice/history", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HistoryResponse](t, rec)
	assert.Equal(t, "alice", resp.SessionID)
	require.NotEmpty(t, resp.Events)

	var reachedConnected bool
	for _, e := range resp.Events {
		if e.To == "CONNECTED" {
			reachedConnected = true
		}
	}
	assert.True(t, reachedConnected)

	rec = tg.do(http.MethodGet, "/sessions/alice/history?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryResponse](t, rec).Events, 1)

	rec = tg.do(http.MethodGet, "/sessions/alice/history?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusStartOnStatus(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Sessions.StartOnStatus = true
	})

	tg.status("alice")
	assert.Equal(t, 1, tg.net.Opens("alice"))
}

func TestStatusUnknownSessionDoesNotStart(t *testing.T) {
	tg := newTestGateway(t)

	st := tg.status("alice")
	assert.Equal(t, "UNINITIALIZED", st.Status)
	assert.Equal(t, 0, tg.net.Opens("alice"))
}

func TestWriteSessionErrorStorage(t *testing.T) {
	tg := newTestGateway(t)

	rec := httptest.NewRecorder()
	tg.writeSessionError(rec, &session.StorageError{Op: "load", SessionID: "alice", Err: errors.New("disk gone")})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")

	rec = httptest.NewRecorder()
	tg.writeSessionError(rec, session.ErrClosed)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
