// ABOUTME: Admin-only controls for the in-process loopback network
// ABOUTME: Lets operators inject disconnect codes and inspect delivered messages

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/protocol/loopback"
)

// DisconnectRequest is the JSON body for POST /debug/loopback/sessions/{id}/disconnect.
type DisconnectRequest struct {
	Reason int `json:"reason"`
}

func (g *Gateway) handleLoopbackDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := r.PathValue("id")
	reason := protocol.Reason(req.Reason)
	if err := g.loopback.Disconnect(sessionID, reason); err != nil {
		if errors.Is(err, loopback.ErrNoConnection) {
			g.sendJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	g.logger.Info("injected loopback disconnect", "session_id", sessionID, "reason", reason)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"reason":     reason.String(),
		"class":      protocol.Classify(reason).String(),
	})
}

// LoopbackMessage is one message delivered on the loopback network.
type LoopbackMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	At          time.Time `json:"at"`
}

func (g *Gateway) handleLoopbackMessages(w http.ResponseWriter, r *http.Request) {
	sent := g.loopback.Sent()
	msgs := make([]LoopbackMessage, 0, len(sent))
	for _, m := range sent {
		msgs = append(msgs, LoopbackMessage(m))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
