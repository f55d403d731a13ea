// ABOUTME: Server-sent event stream of session lifecycle events
// ABOUTME: Opens with the current status, then relays broadcaster events with heartbeats

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/tether-gateway/internal/events"
)

// sseHeartbeatInterval keeps idle streams alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}

// handleSessionEvents handles GET /sessions/{id}/events.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition falls in between
	ch, _ := g.events.Subscribe(r.Context(), sessionID)

	view, err := g.coordinator.Status(r.Context(), sessionID)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, string(events.KindStatus), events.Event{
		SessionID:  sessionID,
		Kind:       events.KindStatus,
		Status:     view.Status.String(),
		Reason:     view.LastReason,
		Generation: view.Generation,
		At:         g.clock.Now(),
	})
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				// broadcaster closed during shutdown
				return
			}
			g.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		}
	}
}
