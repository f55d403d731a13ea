// ABOUTME: Tests for the matrix adapter against a fake homeserver
// ABOUTME: SSO artifact, token login, whoami failures and error mapping

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"

	"github.com/2389/tether-gateway/internal/protocol"
)

// fakeHomeserver answers the handful of client-server endpoints the adapter uses.
type fakeHomeserver struct {
	*httptest.Server
	whoamiErrCode string
	sent          atomic.Int32
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *fakeHomeserver) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		if hs.whoamiErrCode != "" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"errcode": hs.whoamiErrCode, "error": "nope"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"user_id": "@alice:example.org", "device_id": "DEV1"})
	case strings.HasSuffix(path, "/login") && r.Method == http.MethodPost:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "m.login.token" || body["token"] != "good-token" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN", "error": "bad token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "@alice:example.org",
			"device_id":    "DEV1",
			"access_token": "syt_secret",
		})
	case strings.Contains(path, "/filter"):
		json.NewEncoder(w).Encode(map[string]string{"filter_id": "1"})
	case strings.HasSuffix(path, "/sync"):
		// Long-poll until the client goes away.
		<-r.Context().Done()
	case strings.Contains(path, "/send/m.room.message/"):
		hs.sent.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$event1"})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNRECOGNIZED", "error": path})
	}
}

func waitEvent(t *testing.T, conn protocol.Conn) protocol.Event {
	t.Helper()
	select {
	case ev := <-conn.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func newTestDialer(t *testing.T, hs string) *Dialer {
	t.Helper()
	d, err := NewDialer(Options{
		Homeserver:  hs,
		RedirectURL: "https://gw.example.org/sessions/{id}/pairing/sso",
	})
	require.NoError(t, err)
	return d
}

func TestSSORedirectURL(t *testing.T) {
	got, err := SSORedirectURL("https://matrix.example.org/", "https://gw/cb?x=1")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/_matrix/client/v3/login/sso/redirect", u.Path)
	assert.Equal(t, "https://gw/cb?x=1", u.Query().Get("redirectUrl"))

	_, err = SSORedirectURL("not a url", "x")
	assert.Error(t, err)
}

func TestCredentialsRequireFields(t *testing.T) {
	blob, err := EncodeCredentials(Credentials{Homeserver: "https://hs", UserID: "@a:hs"})
	require.NoError(t, err)

	_, err = DecodeCredentials(blob)
	assert.Error(t, err, "missing access token")

	_, err = DecodeCredentials([]byte("garbage"))
	assert.Error(t, err)
}

func TestReasonFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.Reason
	}{
		{"unknown token", fmt.Errorf("sync: %w", mautrix.MUnknownToken), protocol.ReasonLoggedOut},
		{"limit exceeded", fmt.Errorf("sync: %w", mautrix.MLimitExceeded), protocol.ReasonRateLimited},
		{"canceled", context.Canceled, protocol.ReasonClosedLocally},
		{"deadline", context.DeadlineExceeded, protocol.ReasonTimedOut},
		{"network", errors.New("connection reset by peer"), protocol.ReasonConnectionLost},
		{"nil", nil, protocol.ReasonConnectionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFromError(tt.err))
		})
	}
}

func TestOpenWithoutCredentialsEmitsSSOArtifact(t *testing.T) {
	d := newTestDialer(t, "https://matrix.example.org")

	conn, err := d.Open(context.Background(), protocol.OpenParams{SessionID: "acme/alice"})
	require.NoError(t, err)
	defer conn.Close()

	ev := waitEvent(t, conn)
	require.Equal(t, protocol.EventPairingCode, ev.Type)

	u, err := url.Parse(ev.PairingCode)
	require.NoError(t, err)
	assert.Equal(t, "matrix.example.org", u.Host)
	assert.Equal(t, "https://gw.example.org/sessions/acme%2Falice/pairing/sso", u.Query().Get("redirectUrl"))

	_, err = conn.Send(context.Background(), "!room:example.org", "hi")
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

func TestTokenLoginOpensAndSends(t *testing.T) {
	hs := newFakeHomeserver(t)
	d := newTestDialer(t, hs.URL)

	conn, err := d.Open(context.Background(), protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	defer conn.Close()
	waitEvent(t, conn) // artifact

	pairer := conn.(protocol.Pairer)
	assert.Error(t, pairer.CompletePairing(context.Background(), "bad-token"))
	require.NoError(t, pairer.CompletePairing(context.Background(), "good-token"))

	creds := waitEvent(t, conn)
	require.Equal(t, protocol.EventCredentials, creds.Type)
	decoded, err := DecodeCredentials(creds.Credentials)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", decoded.UserID)
	assert.Equal(t, "syt_secret", decoded.AccessToken)

	assert.Equal(t, protocol.EventOpened, waitEvent(t, conn).Type)

	eventID, err := conn.Send(context.Background(), "!room:example.org", "hello")
	require.NoError(t, err)
	assert.Equal(t, "$event1", eventID)
	assert.Equal(t, int32(1), hs.sent.Load())

	require.NoError(t, conn.Close())
	closed := waitEvent(t, conn)
	assert.Equal(t, protocol.EventClosed, closed.Type)
	assert.Equal(t, protocol.ReasonClosedLocally, closed.Reason)
	assert.False(t, conn.Alive())
	reason, ok := conn.CloseReason()
	assert.True(t, ok)
	assert.Equal(t, protocol.ReasonClosedLocally, reason)
}

func TestStoredCredentialsRejectedClosesLoggedOut(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.whoamiErrCode = "M_UNKNOWN_TOKEN"
	d := newTestDialer(t, hs.URL)

	blob, err := EncodeCredentials(Credentials{
		Homeserver:  hs.URL,
		UserID:      "@alice:example.org",
		DeviceID:    "DEV1",
		AccessToken: "revoked",
	})
	require.NoError(t, err)

	conn, err := d.Open(context.Background(), protocol.OpenParams{SessionID: "s1", Credentials: blob})
	require.NoError(t, err)

	ev := waitEvent(t, conn)
	assert.Equal(t, protocol.EventClosed, ev.Type)
	assert.Equal(t, protocol.ReasonLoggedOut, ev.Reason)
	assert.Equal(t, protocol.ClassTerminal, protocol.Classify(ev.Reason))
}

func TestNewDialerValidates(t *testing.T) {
	_, err := NewDialer(Options{RedirectURL: "https://gw/cb"})
	assert.Error(t, err)

	_, err = NewDialer(Options{Homeserver: "https://hs"})
	assert.Error(t, err)
}
