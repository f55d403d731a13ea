// ABOUTME: Tests for the admin HTTP client
// ABOUTME: Checks path escaping, auth headers and error body decoding against httptest servers

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPathEscapesID(t *testing.T) {
	assert.Equal(t, "/sessions/acme%2Falice/start", sessionPath("acme/alice", "/start"))
	assert.Equal(t, "/sessions/bob", sessionPath("bob", ""))
}

func TestClientSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer op-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/sessions/acme%2Falice/status", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(map[string]any{"session_id": "acme/alice", "status": "CONNECTED", "registered": true})
	}))
	defer srv.Close()

	var s session
	err := newClient(srv.URL+"/", "op-token").do(context.Background(), http.MethodGet, sessionPath("acme/alice", "/status"), nil, &s)
	require.NoError(t, err)
	assert.Equal(t, "acme/alice", s.SessionID)
	assert.Equal(t, "CONNECTED", s.Status)
	assert.True(t, s.Registered)
}

func TestClientDecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"error": "cooling down", "retry_after_seconds": 42})
	}))
	defer srv.Close()

	err := newClient(srv.URL, "").do(context.Background(), http.MethodPost, "/sessions/a/start", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "cooling down", apiErr.Message)
	assert.Equal(t, 42, apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 42s")
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newClient(srv.URL, "").do(context.Background(), http.MethodGet, "/sessions", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Message)
}
