// ABOUTME: Session lifecycle coordinator: start, status, pairing, tokens, send, reset
// ABOUTME: Owns the registry, token issuer and reconnect scheduling

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/events"
	"github.com/2389/tether-gateway/internal/protocol"
	"github.com/2389/tether-gateway/internal/store"
)

const (
	DefaultCooldown            = 15 * time.Minute
	DefaultReconnectBackoff    = time.Second
	DefaultReconnectMaxBackoff = time.Minute
)

// Config wires a Coordinator to its collaborators.
type Config struct {
	Dialer      protocol.Dialer
	Credentials store.CredentialStore
	// Audit records transitions. Optional.
	Audit store.AuditStore
	// Events receives lifecycle events. A private broadcaster is created if nil.
	Events *events.Broadcaster
	Clock  clock.Clock

	Cooldown            time.Duration
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
	// StartOnStatus makes Status of an unknown session start it.
	StartOnStatus bool

	Logger *slog.Logger
}

// View is a point-in-time snapshot of a session.
type View struct {
	SessionID        string
	Status           Status
	PairingAvailable bool
	Registered       bool
	Blocked          bool
	BlockedUntil     time.Time
	RemainingSeconds int
	LastReason       string
	LastError        string
	Attempts         int
	Generation       uint64
	UpdatedAt        time.Time
}

// Coordinator supervises every session.
type Coordinator struct {
	dialer   protocol.Dialer
	creds    store.CredentialStore
	audit    store.AuditStore
	events   *events.Broadcaster
	clock    clock.Clock
	tokens   *TokenIssuer
	sessions *registry

	cooldown      time.Duration
	backoff       time.Duration
	maxBackoff    time.Duration
	startOnStatus bool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	logger *slog.Logger
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroadcaster(logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBackoff {
		cfg.ReconnectMaxBackoff = max(DefaultReconnectMaxBackoff, cfg.ReconnectBackoff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		dialer:        cfg.Dialer,
		creds:         cfg.Credentials,
		audit:         cfg.Audit,
		events:        cfg.Events,
		clock:         cfg.Clock,
		tokens:        NewTokenIssuer(),
		sessions:      newRegistry(),
		cooldown:      cfg.Cooldown,
		backoff:       cfg.ReconnectBackoff,
		maxBackoff:    cfg.ReconnectMaxBackoff,
		startOnStatus: cfg.StartOnStatus,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With("component", "sessions", "protocol", cfg.Dialer.Name()),
	}, nil
}

// Events returns the broadcaster lifecycle events are published on.
func (c *Coordinator) Events() *events.Broadcaster {
	return c.events
}

// Start opens a connection for the session unless one is already live.
// It returns immediately; pairing and authentication progress asynchronously.
func (c *Coordinator) Start(ctx context.Context, sessionID string) (View, error) {
	if sessionID == "" {
		return View{}, ErrInvalidSessionID
	}
	if c.closed.Load() {
		return View{}, ErrClosed
	}

	for {
		rec := c.sessions.getOrCreate(sessionID, c.clock.Now())
		rec.mu.Lock()
		if rec.removed {
			// Destroyed between lookup and lock; the registry has a fresh slot.
			rec.mu.Unlock()
			continue
		}
		v, err := c.startLocked(ctx, rec)
		rec.mu.Unlock()
		return v, err
	}
}

func (c *Coordinator) startLocked(ctx context.Context, rec *record) (View, error) {
	now := c.clock.Now()

	if rec.conn != nil {
		return c.viewLocked(rec, now), nil
	}

	if rec.status == StatusBlocked {
		if now.Before(rec.blockedUntil) {
			return c.viewLocked(rec, now), &RateLimitedError{
				SessionID: rec.id,
				Until:     rec.blockedUntil,
				Remaining: rec.blockedUntil.Sub(now),
			}
		}
		c.transitionLocked(rec, StatusUninitialized, "cooldown elapsed")
	}

	err := c.openLocked(ctx, rec)
	return c.viewLocked(rec, c.clock.Now()), err
}

// Status reports a session's state. A tracked connection that is no longer
// alive has its close applied before answering; one that died without a
// reason is reopened.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (View, error) {
	if sessionID == "" {
		return View{}, ErrInvalidSessionID
	}

	rec, ok := c.sessions.get(sessionID)
	if !ok {
		if c.startOnStatus && !c.closed.Load() {
			return c.Start(ctx, sessionID)
		}
		registered, err := c.creds.IsRegistered(ctx, sessionID)
		if err != nil {
			return View{}, &StorageError{Op: "status", SessionID: sessionID, Err: err}
		}
		return View{SessionID: sessionID, Status: StatusUninitialized, Registered: registered}, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removed {
		return View{SessionID: sessionID, Status: StatusUninitialized}, nil
	}

	if rec.conn != nil && !rec.conn.Alive() {
		c.healLocked(ctx, rec)
		if rec.removed {
			return c.viewLocked(rec, c.clock.Now()), nil
		}
	}

	now := c.clock.Now()
	if rec.status == StatusBlocked && !now.Before(rec.blockedUntil) {
		c.transitionLocked(rec, StatusUninitialized, "cooldown elapsed")
	}

	if registered, err := c.creds.IsRegistered(ctx, sessionID); err == nil {
		rec.registered = registered
	} else {
		c.logger.Warn("checking registration failed", "session_id", sessionID, "error", err)
	}

	return c.viewLocked(rec, now), nil
}

// PairingArtifact returns the session's current pairing artifact, waiting up
// to wait for one to be issued.
func (c *Coordinator) PairingArtifact(ctx context.Context, sessionID string, wait time.Duration) (string, error) {
	if sessionID == "" {
		return "", ErrInvalidSessionID
	}

	var sub <-chan events.Event
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		// Subscribe before checking so an artifact issued in between is not missed.
		sub, _ = c.events.Subscribe(ctx, sessionID)
	}

	if code, ok := c.currentArtifact(sessionID); ok {
		return code, nil
	}
	if sub == nil {
		return "", ErrNotFound
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return "", ErrNotFound
			}
			switch {
			case ev.Kind == events.KindPairingCode && ev.PairingCode != "":
				return ev.PairingCode, nil
			case ev.Kind == events.KindStatus &&
				(ev.Status == StatusConnected.String() || ev.Status == StatusDestroyed.String()):
				return "", ErrNotFound
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func (c *Coordinator) currentArtifact(sessionID string) (string, bool) {
	rec, ok := c.sessions.get(sessionID)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removed || rec.status != StatusAwaitingPairing || rec.pairingCode == "" {
		return "", false
	}
	return rec.pairingCode, true
}

// Token returns the session's bearer token once it is CONNECTED.
func (c *Coordinator) Token(sessionID string) (string, error) {
	rec, ok := c.sessions.get(sessionID)
	if !ok {
		return "", ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.removed || rec.status != StatusConnected || rec.token == "" {
		return "", ErrNotFound
	}
	return rec.token, nil
}

// CompletePairing forwards an out-of-band pairing confirmation to the
// session's connection.
func (c *Coordinator) CompletePairing(ctx context.Context, sessionID, code string) error {
	rec, ok := c.sessions.get(sessionID)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	if rec.removed || rec.conn == nil {
		rec.mu.Unlock()
		return ErrNotFound
	}
	if rec.status == StatusConnected {
		rec.mu.Unlock()
		return ErrAlreadyExists
	}
	pairer, ok := rec.conn.(protocol.Pairer)
	rec.mu.Unlock()

	if !ok {
		return ErrPairingUnsupported
	}
	// The pairer emits credentials and opened events; they arrive through the pump.
	if err := pairer.CompletePairing(ctx, code); err != nil {
		return fmt.Errorf("completing pairing: %w", err)
	}
	c.logger.Info("pairing confirmation accepted", "session_id", sessionID)
	return nil
}

// Send delivers text to destination on the connection authorized by token.
// A failed send is reported to the caller and does not affect the session.
func (c *Coordinator) Send(ctx context.Context, token, destination, text string) (string, error) {
	conn, sessionID, err := c.tokens.Resolve(token)
	if err != nil {
		return "", err
	}

	messageID, err := conn.Send(ctx, destination, text)
	if err != nil {
		c.logger.Warn("send failed", "session_id", sessionID, "destination", destination, "error", err)
		return "", &SendFailedError{SessionID: sessionID, Detail: err.Error(), Err: err}
	}

	c.logger.Debug("message sent", "session_id", sessionID, "destination", destination, "message_id", messageID)
	return messageID, nil
}

// SessionForToken returns the session a token is currently bound to.
func (c *Coordinator) SessionForToken(token string) (string, error) {
	_, sessionID, err := c.tokens.Resolve(token)
	return sessionID, err
}

// Reset destroys a session: closes its connection, revokes its token, deletes
// its credentials and removes it from the registry. Resetting an unknown
// session still deletes any stored credentials.
func (c *Coordinator) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}

	if rec, ok := c.sessions.get(sessionID); ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.removed {
			return nil
		}
		return c.destroyLocked(ctx, rec, "reset")
	}

	if err := c.creds.DeleteCredential(ctx, sessionID); err != nil {
		return &StorageError{Op: "delete", SessionID: sessionID, Err: err}
	}
	c.logger.Info("reset untracked session", "session_id", sessionID)
	return nil
}

// List returns a view of every tracked session, sorted by id.
func (c *Coordinator) List() []View {
	now := c.clock.Now()
	recs := c.sessions.snapshot()

	views := make([]View, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.removed {
			views = append(views, c.viewLocked(rec, now))
		}
		rec.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SessionID < views[j].SessionID })
	return views
}

// ConnectedCount returns the number of sessions with bound tokens.
func (c *Coordinator) ConnectedCount() int {
	return c.tokens.Count()
}

// RestoreAll starts every session with stored credentials. Failures are
// logged and skipped; the number of sessions started is returned.
func (c *Coordinator) RestoreAll(ctx context.Context) (int, error) {
	ids, err := c.creds.ListCredentialIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	started := 0
	for _, id := range ids {
		if _, err := c.Start(ctx, id); err != nil {
			c.logger.Warn("restoring session failed", "session_id", id, "error", err)
			continue
		}
		started++
	}
	c.logger.Info("restored sessions", "started", started, "stored", len(ids))
	return started, nil
}

// Close tears down every connection without deleting credentials. Pending
// reconnects are cancelled. Later Start calls fail with ErrClosed.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	recs := c.sessions.snapshot()
	for _, rec := range recs {
		rec.mu.Lock()
		c.teardownLocked(rec)
		rec.mu.Unlock()
	}
	c.logger.Info("coordinator closed", "sessions", len(recs))
}

// openLocked loads credentials and opens a connection. The record must have no
// live connection. On success the record is AWAITING_PAIRING (or stays
// RECONNECTING until the new connection opens).
func (c *Coordinator) openLocked(ctx context.Context, rec *record) error {
	if rec.reconnect != nil {
		rec.reconnect.Stop()
		rec.reconnect = nil
	}

	blob, registered, err := c.loadCredentials(ctx, rec.id)
	if err != nil {
		rec.lastError = err.Error()
		c.logger.Error("loading credentials failed", "session_id", rec.id, "error", err)
		c.transitionLocked(rec, StatusUninitialized, "storage error")
		return err
	}

	rec.generation++
	generation := rec.generation

	conn, err := c.dialer.Open(ctx, protocol.OpenParams{
		SessionID:   rec.id,
		Credentials: blob,
		Logger:      c.logger,
	})
	if err != nil {
		rec.lastError = err.Error()
		c.logger.Warn("opening connection failed", "session_id", rec.id, "error", err)
		if rec.status == StatusReconnecting {
			c.scheduleReconnectLocked(rec)
		}
		return fmt.Errorf("opening %s connection: %w", c.dialer.Name(), err)
	}

	rec.conn = conn
	rec.registered = registered
	rec.pairingCode = ""
	rec.lastError = ""
	if rec.status != StatusReconnecting {
		c.transitionLocked(rec, StatusAwaitingPairing, "start")
	}

	c.logger.Debug("connection opened",
		"session_id", rec.id,
		"generation", generation,
		"stored_credentials", blob != nil,
	)
	go c.pump(rec, generation, conn)
	return nil
}

// loadCredentials returns the stored blob, or nil when there is none or it is
// unreadable.
func (c *Coordinator) loadCredentials(ctx context.Context, sessionID string) ([]byte, bool, error) {
	cred, err := c.creds.LoadCredential(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, store.ErrCorruptCredential):
		c.logger.Warn("stored credentials unreadable, pairing from scratch", "session_id", sessionID, "error", err)
		return nil, false, nil
	case err != nil:
		return nil, false, &StorageError{Op: "load", SessionID: sessionID, Err: err}
	}
	return cred.Blob, cred.Registered, nil
}

// healLocked handles a tracked connection that is no longer alive. A close
// the pump has not applied yet is applied here with its own reason, and the
// pump's copy is then discarded as stale. Only a connection that died without
// a reason is treated as lost and reopened.
func (c *Coordinator) healLocked(ctx context.Context, rec *record) {
	if reason, ok := rec.conn.CloseReason(); ok {
		c.logger.Debug("applying close ahead of the event pump",
			"session_id", rec.id,
			"generation", rec.generation,
			"reason", reason,
		)
		c.onClosedLocked(rec, protocol.Event{Type: protocol.EventClosed, Reason: reason})
		return
	}

	c.logger.Warn("tracked connection is dead, reconnecting", "session_id", rec.id, "generation", rec.generation)

	rec.lastReason = protocol.ReasonConnectionLost
	rec.hasReason = true
	c.teardownLocked(rec)
	rec.pairingCode = ""
	c.transitionLocked(rec, StatusReconnecting, protocol.ReasonConnectionLost.String())

	if err := c.openLocked(ctx, rec); err != nil {
		c.logger.Warn("heal reconnect failed", "session_id", rec.id, "error", err)
	}
}

// teardownLocked closes the connection and invalidates everything tagged with
// the current generation. Status is left to the caller.
func (c *Coordinator) teardownLocked(rec *record) {
	rec.generation++
	if rec.reconnect != nil {
		rec.reconnect.Stop()
		rec.reconnect = nil
	}
	if rec.token != "" {
		c.tokens.Unbind(rec.token)
	}
	if rec.conn != nil {
		conn := rec.conn
		rec.conn = nil
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing connection", "session_id", rec.id, "error", err)
		}
	}
}

// destroyLocked removes the session for good.
func (c *Coordinator) destroyLocked(ctx context.Context, rec *record, reason string) error {
	c.teardownLocked(rec)
	rec.removed = true
	rec.pairingCode = ""
	if rec.token != "" {
		c.tokens.Revoke(rec.token)
	}

	err := c.creds.DeleteCredential(ctx, rec.id)
	c.sessions.remove(rec.id, rec)
	c.transitionLocked(rec, StatusDestroyed, reason)

	if err != nil {
		c.logger.Error("deleting credentials failed", "session_id", rec.id, "error", err)
		return &StorageError{Op: "delete", SessionID: rec.id, Err: err}
	}
	return nil
}

// transitionLocked moves the record to a new status if the table allows it,
// publishing and auditing the change.
func (c *Coordinator) transitionLocked(rec *record, to Status, reason string) bool {
	from := rec.status
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		c.logger.Warn("ignoring invalid transition",
			"session_id", rec.id,
			"from", from,
			"to", to,
			"reason", reason,
		)
		return false
	}

	now := c.clock.Now()
	rec.status = to
	rec.updatedAt = now

	if to == StatusConnected {
		c.logger.Info("=== SESSION CONNECTED ===",
			"session_id", rec.id,
			"generation", rec.generation,
			"connected_sessions", c.tokens.Count(),
		)
	} else {
		c.logger.Info("session transition",
			"session_id", rec.id,
			"from", from,
			"to", to,
			"reason", reason,
		)
	}

	c.events.Publish(events.Event{
		SessionID:  rec.id,
		Kind:       events.KindStatus,
		Status:     to.String(),
		Reason:     reason,
		Generation: rec.generation,
		At:         now,
	})
	c.auditLocked(rec, from, to, reason, nil)
	return true
}

func (c *Coordinator) auditLocked(rec *record, from, to Status, reason string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["generation"] = rec.generation

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.audit.AppendSessionEvent(ctx, &store.SessionEvent{
		SessionID: rec.id,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Timestamp: c.clock.Now().UTC(),
		Detail:    detail,
	})
	if err != nil {
		c.logger.Warn("recording session event failed", "session_id", rec.id, "error", err)
	}
}

func (c *Coordinator) viewLocked(rec *record, now time.Time) View {
	v := View{
		SessionID:        rec.id,
		Status:           rec.status,
		PairingAvailable: rec.status == StatusAwaitingPairing && rec.pairingCode != "",
		Registered:       rec.registered,
		LastError:        rec.lastError,
		Attempts:         rec.attempts,
		Generation:       rec.generation,
		UpdatedAt:        rec.updatedAt,
	}
	if rec.hasReason {
		v.LastReason = rec.lastReason.String()
	}
	if rec.status == StatusBlocked {
		v.BlockedUntil = rec.blockedUntil
		v.RemainingSeconds = ceilSeconds(rec.blockedUntil.Sub(now))
		v.Blocked = v.RemainingSeconds > 0
	}
	return v
}
