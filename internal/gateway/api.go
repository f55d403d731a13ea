// ABOUTME: HTTP API handlers for session lifecycle management
// ABOUTME: Start, status, pairing, tokens, history, reset and the error mapping shared by all routes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/session"
)

// maxPairingWait bounds the ?wait= parameter of the artifact endpoint.
const maxPairingWait = time.Minute

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// SessionResponse is the JSON view of a session.
type SessionResponse struct {
	SessionID        string     `json:"session_id"`
	Status           string     `json:"status"`
	PairingAvailable bool       `json:"pairing_available"`
	Registered       bool       `json:"registered"`
	Blocked          bool       `json:"blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds,omitempty"`
	LastReason       string     `json:"last_reason,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Attempts         int        `json:"attempts,omitempty"`
	Generation       uint64     `json:"generation"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// ListSessionsResponse is the JSON response for GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ArtifactResponse is the JSON response for GET /sessions/{id}/pairing-artifact.
type ArtifactResponse struct {
	Artifact string `json:"artifact"`
}

// TokenResponse is the JSON response for GET /sessions/{id}/token.
type TokenResponse struct {
	Token string `json:"token"`
}

// CompletePairingRequest is the JSON body for POST /sessions/{id}/pairing.
type CompletePairingRequest struct {
	Code string `json:"code"`
}

// HistoryEvent is one audited transition in GET /sessions/{id}/history.
type HistoryEvent struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp string         `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// HistoryResponse is the JSON response for GET /sessions/{id}/history.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Events    []HistoryEvent `json:"events"`
}

func viewToResponse(v session.View) SessionResponse {
	resp := SessionResponse{
		SessionID:        v.SessionID,
		Status:           v.Status.String(),
		PairingAvailable: v.PairingAvailable,
		Registered:       v.Registered,
		Blocked:          v.Blocked,
		RemainingSeconds: v.RemainingSeconds,
		LastReason:       v.LastReason,
		LastError:        v.LastError,
		Attempts:         v.Attempts,
		Generation:       v.Generation,
	}
	if v.Blocked {
		until := v.BlockedUntil.UTC()
		resp.BlockedUntil = &until
	}
	if !v.UpdatedAt.IsZero() {
		updated := v.UpdatedAt.UTC()
		resp.UpdatedAt = &updated
	}
	return resp
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSessionError maps coordinator errors onto HTTP responses.
func (g *Gateway) writeSessionError(w http.ResponseWriter, err error) {
	var (
		rateLimited *session.RateLimitedError
		sendFailed  *session.SendFailedError
		storageErr  *session.StorageError
	)

	switch {
	case errors.As(err, &rateLimited):
		retryAfter := rateLimited.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		g.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "session is cooling down after a rate limit",
			"retry_after_seconds": retryAfter,
		})
	case errors.As(err, &sendFailed):
		g.sendJSONError(w, http.StatusBadGateway, "send failed: "+sendFailed.Detail)
	case errors.As(err, &storageErr):
		g.logger.Error("storage error", "session_id", storageErr.SessionID, "op", storageErr.Op, "error", storageErr.Err)
		g.sendJSONError(w, http.StatusInternalServerError, "credential storage error")
	case errors.Is(err, session.ErrInvalidSessionID):
		g.sendJSONError(w, http.StatusBadRequest, "session id is required")
	case errors.Is(err, session.ErrInvalidToken):
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or unknown token")
	case errors.Is(err, session.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, session.ErrAlreadyExists):
		g.sendJSONError(w, http.StatusConflict, "session is already connected")
	case errors.Is(err, session.ErrPairingUnsupported):
		g.sendJSONError(w, http.StatusConflict, "connection cannot be paired this way")
	case errors.Is(err, session.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down")
	default:
		g.logger.Error("unexpected session error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleStart handles POST /sessions/{id}/start.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	view, err := g.coordinator.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, viewToResponse(view))
}

// handleStatus handles GET /sessions/{id}/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := g.coordinator.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, viewToResponse(view))
}

// parseWait reads ?wait=, defaulting to sessions.pairing_wait. Bare integers are seconds.
func (g *Gateway) parseWait(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return g.config.Sessions.PairingWait, nil
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if wait, err = time.ParseDuration(raw); err != nil {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	if wait < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(wait, maxPairingWait), nil
}

// handlePairingArtifact handles GET /sessions/{id}/pairing-artifact?wait=5s.
func (g *Gateway) handlePairingArtifact(w http.ResponseWriter, r *http.Request) {
	wait, err := g.parseWait(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	artifact, err := g.coordinator.PairingArtifact(r.Context(), r.PathValue("id"), wait)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "no pairing artifact available")
			return
		}
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ArtifactResponse{Artifact: artifact})
}

// handleCompletePairing handles POST /sessions/{id}/pairing.
func (g *Gateway) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	var req CompletePairingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" {
		g.sendJSONError(w, http.StatusBadRequest, "code is required")
		return
	}

	g.completePairing(w, r, r.PathValue("id"), req.Code)
}

// handleSSOCallback handles GET /sessions/{id}/pairing/sso?loginToken=..., the
// browser redirect that finishes a matrix SSO login.
func (g *Gateway) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	loginToken := r.URL.Query().Get("loginToken")
	if loginToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "loginToken is required")
		return
	}
	g.completePairing(w, r, r.PathValue("id"), loginToken)
}

func (g *Gateway) completePairing(w http.ResponseWriter, r *http.Request, sessionID, code string) {
	err := g.coordinator.CompletePairing(r.Context(), sessionID, code)
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "pairing accepted"})
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, session.ErrPairingUnsupported):
		g.writeSessionError(w, err)
	case errors.Is(err, protocol.ErrClosed):
		g.sendJSONError(w, http.StatusConflict, "connection closed before pairing completed")
	default:
		g.logger.Warn("pairing rejected", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusBadRequest, "pairing rejected: "+err.Error())
	}
}

// handleToken handles GET /sessions/{id}/token.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	token, err := g.coordinator.Token(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session is not connected")
			return
		}
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// handleReset handles DELETE /sessions/{id}.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := g.coordinator.Reset(r.Context(), sessionID); err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "reset"})
}

// handleListSessions handles GET /sessions, limited to the operator's tenant.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	resp := ListSessionsResponse{Sessions: []SessionResponse{}}
	for _, v := range g.coordinator.List() {
		if authCtx != nil && !authCtx.CanAccess(v.SessionID) {
			continue
		}
		resp.Sessions = append(resp.Sessions, viewToResponse(v))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleHistory handles GET /sessions/{id}/history?limit=N.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := g.store.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("listing session history failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	resp := HistoryResponse{SessionID: sessionID, Events: make([]HistoryEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, HistoryEvent{
			ID:        e.ID,
			From:      e.From,
			To:        e.To,
			Reason:    e.Reason,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Detail:    e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}
