// ABOUTME: POST /messages handler delivering text through a session token
// ABOUTME: Optional idempotency keys replay the first result instead of sending twice

package gateway

import (
	"net/http"

	"github.com/2389/tether-gateway/internal/dedupe"
)

// SendMessageRequest is the JSON body for POST /messages.
type SendMessageRequest struct {
	Token          string `json:"token"`
	Destination    string `json:"destination"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SendMessageResponse is the JSON response for POST /messages.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// replayKey scopes an idempotency key to the session that owns the token.
func replayKey(sessionID, idempotencyKey string) string {
	return sessionID + "\x00" + idempotencyKey
}

// handleSendMessage handles POST /messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "token is required")
		return
	}
	if req.Destination == "" || req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "destination and text are required")
		return
	}

	if req.IdempotencyKey == "" {
		messageID, err := g.coordinator.Send(r.Context(), req.Token, req.Destination, req.Text)
		if err != nil {
			g.writeSessionError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, SendMessageResponse{MessageID: messageID})
		return
	}

	// Resolve first so an invalid token never touches the replay cache
	sessionID, err := g.coordinator.SessionForToken(req.Token)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}

	key := replayKey(sessionID, req.IdempotencyKey)
	previous, state := g.replay.Claim(key)
	switch state {
	case dedupe.Completed:
		g.logger.Debug("replaying send", "session_id", sessionID, "message_id", previous)
		g.writeJSON(w, http.StatusOK, SendMessageResponse{MessageID: previous, Replayed: true})
		return
	case dedupe.InFlight:
		g.sendJSONError(w, http.StatusConflict, "a send with this idempotency key is in progress")
		return
	}

	messageID, err := g.coordinator.Send(r.Context(), req.Token, req.Destination, req.Text)
	if err != nil {
		g.replay.Release(key)
		g.writeSessionError(w, err)
		return
	}
	g.replay.Complete(key, messageID)
	g.writeJSON(w, http.StatusOK, SendMessageResponse{MessageID: messageID})
}
