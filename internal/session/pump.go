// ABOUTME: Per-connection event pump and the handlers that apply events to a record
// ABOUTME: Generation tags discard stale events; reconnects are scheduled, never recursive

package session

import (
	"time"

	"github.com/2389/tether-gateway/internal/events"
	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/store"
)

// pump forwards a connection's events to the record in arrival order.
// A channel that closes without EventClosed counts as a lost connection.
func (c *Coordinator) pump(rec *record, generation uint64, conn protocol.Conn) {
	sawClose := false
	for ev := range conn.Events() {
		if ev.Type == protocol.EventClosed {
			sawClose = true
		}
		c.handleEvent(rec, generation, ev)
	}
	if !sawClose {
		c.handleEvent(rec, generation, protocol.Event{
			Type:   protocol.EventClosed,
			Reason: protocol.ReasonConnectionLost,
		})
	}
}

func (c *Coordinator) handleEvent(rec *record, generation uint64, ev protocol.Event) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removed || rec.generation != generation || rec.conn == nil {
		c.logger.Debug("discarding stale event",
			"session_id", rec.id,
			"event", ev.Type,
			"event_generation", generation,
			"generation", rec.generation,
		)
		return
	}

	switch ev.Type {
	case protocol.EventPairingCode:
		c.onPairingCodeLocked(rec, ev.PairingCode)
	case protocol.EventCredentials:
		c.onCredentialsLocked(rec, ev)
	case protocol.EventOpened:
		c.onOpenedLocked(rec)
	case protocol.EventClosed:
		c.onClosedLocked(rec, ev)
	default:
		c.logger.Warn("unknown connection event", "session_id", rec.id, "event", ev.Type)
	}
}

func (c *Coordinator) onPairingCodeLocked(rec *record, code string) {
	if code == "" {
		return
	}
	if rec.status == StatusConnected {
		c.logger.Warn("pairing code on connected session ignored", "session_id", rec.id)
		return
	}

	rec.pairingCode = code
	c.transitionLocked(rec, StatusAwaitingPairing, "pairing code issued")
	c.events.Publish(events.Event{
		SessionID:   rec.id,
		Kind:        events.KindPairingCode,
		Status:      rec.status.String(),
		PairingCode: code,
		Generation:  rec.generation,
		At:          c.clock.Now(),
	})
	c.logger.Info("pairing artifact issued", "session_id", rec.id)
}

func (c *Coordinator) onCredentialsLocked(rec *record, ev protocol.Event) {
	cred := &store.Credential{
		SessionID:  rec.id,
		Blob:       ev.Credentials,
		Registered: ev.Registered,
	}
	changed, err := c.creds.SaveCredential(c.ctx, cred)
	if err != nil {
		serr := &StorageError{Op: "save", SessionID: rec.id, Err: err}
		c.logger.Error("saving credentials failed, stopping session", "session_id", rec.id, "error", err)
		rec.lastError = serr.Error()
		c.teardownLocked(rec)
		rec.pairingCode = ""
		c.transitionLocked(rec, StatusUninitialized, "storage error")
		return
	}

	rec.registered = ev.Registered
	if changed {
		c.auditLocked(rec, rec.status, rec.status, "credentials updated", map[string]any{
			"fingerprint": cred.Fingerprint,
			"registered":  cred.Registered,
		})
	}
}

func (c *Coordinator) onOpenedLocked(rec *record) {
	registered, err := c.creds.IsRegistered(c.ctx, rec.id)
	if err != nil {
		c.logger.Warn("checking registration failed", "session_id", rec.id, "error", err)
		registered = false
	}
	if !registered {
		c.logger.Info("connection opened without registered credentials, awaiting pairing", "session_id", rec.id)
		return
	}
	rec.registered = true

	if rec.token == "" {
		token, err := c.tokens.Issue(rec.id, rec.conn, rec.generation)
		if err != nil {
			c.logger.Error("issuing token failed", "session_id", rec.id, "error", err)
			rec.lastError = err.Error()
			c.teardownLocked(rec)
			c.transitionLocked(rec, StatusUninitialized, "token error")
			return
		}
		rec.token = token
	} else if err := c.tokens.Bind(rec.token, rec.id, rec.conn, rec.generation); err != nil {
		c.logger.Error("rebinding token failed", "session_id", rec.id, "error", err)
	}

	rec.pairingCode = ""
	rec.attempts = 0
	rec.lastError = ""
	c.transitionLocked(rec, StatusConnected, "opened")
}

func (c *Coordinator) onClosedLocked(rec *record, ev protocol.Event) {
	rec.conn = nil
	rec.pairingCode = ""
	rec.lastReason = ev.Reason
	rec.hasReason = true
	if rec.token != "" {
		c.tokens.Unbind(rec.token)
	}

	class := protocol.Classify(ev.Reason)
	attrs := []any{"session_id", rec.id, "reason", ev.Reason, "class", class}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	c.logger.Info("connection closed", attrs...)

	switch class {
	case protocol.ClassTerminal:
		if err := c.destroyLocked(c.ctx, rec, ev.Reason.String()); err != nil {
			c.logger.Error("destroying session failed", "session_id", rec.id, "error", err)
		}
	case protocol.ClassBlocked:
		rec.blockedUntil = c.clock.Now().Add(c.cooldown)
		c.transitionLocked(rec, StatusBlocked, ev.Reason.String())
	default:
		c.transitionLocked(rec, StatusReconnecting, ev.Reason.String())
		c.scheduleReconnectLocked(rec)
	}
}

// backoffDelay returns the wait before reconnect attempt n (0-based): none for
// the first attempt, then backoff·2^(n-1) capped at maxBackoff.
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := c.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	return min(d, c.maxBackoff)
}

// scheduleReconnectLocked arranges exactly one reopen attempt for the current
// generation.
func (c *Coordinator) scheduleReconnectLocked(rec *record) {
	if c.closed.Load() {
		return
	}

	delay := c.backoffDelay(rec.attempts)
	rec.attempts++
	generation := rec.generation

	c.logger.Info("scheduling reconnect",
		"session_id", rec.id,
		"attempt", rec.attempts,
		"delay", delay,
	)

	if rec.reconnect != nil {
		rec.reconnect.Stop()
		rec.reconnect = nil
	}
	if delay == 0 {
		go c.reconnect(rec, generation)
		return
	}
	rec.reconnect = c.clock.AfterFunc(delay, func() {
		c.reconnect(rec, generation)
	})
}

func (c *Coordinator) reconnect(rec *record, generation uint64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removed || rec.generation != generation || rec.status != StatusReconnecting || rec.conn != nil {
		c.logger.Debug("skipping stale reconnect", "session_id", rec.id, "generation", generation)
		return
	}
	if c.ctx.Err() != nil {
		return
	}

	rec.reconnect = nil
	if err := c.openLocked(c.ctx, rec); err != nil {
		c.logger.Warn("reconnect failed", "session_id", rec.id, "attempt", rec.attempts, "error", err)
	}
}
