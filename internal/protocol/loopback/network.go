// ABOUTME: In-process protocol network implementing protocol.Dialer
// ABOUTME: Pairing code rotation, credential issue, fault injection and sent message log

package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/codec"
	"github.com/2389/tether-gateway/internal/protocol"
)

// ErrInvalidCode is returned when a pairing confirmation does not match the current code.
var ErrInvalidCode = errors.New("pairing code does not match")

// ErrAlreadyPaired is returned when pairing a connection that is already paired.
var ErrAlreadyPaired = errors.New("connection already paired")

// ErrNoConnection is returned by control methods when the session has no live connection.
var ErrNoConnection = errors.New("no live connection for session")

// Options configures a Network.
type Options struct {
	// CodeRotation is how often an unpaired connection issues a new pairing
	// code. Zero disables rotation.
	CodeRotation time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Message is a message accepted by Conn.Send.
type Message struct {
	ID          string
	SessionID   string
	Destination string
	Text        string
	At          time.Time
}

// credentials is the blob the loopback network hands out on pairing.
type credentials struct {
	Account    string `cbor:"1,keyasint"`
	Registered bool   `cbor:"2,keyasint"`
}

// Network is an in-process protocol.Dialer.
type Network struct {
	mu        sync.Mutex
	opts      Options
	logger    *slog.Logger
	conns     map[string]*Conn
	held      map[string]bool
	rejected  map[string]bool
	failSends map[string]error
	opens     map[string]int
	sent      []Message
}

// NewNetwork creates an empty Network.
func NewNetwork(opts Options) *Network {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		opts:      opts,
		logger:    logger.With("component", "loopback"),
		conns:     make(map[string]*Conn),
		held:      make(map[string]bool),
		rejected:  make(map[string]bool),
		failSends: make(map[string]error),
		opens:     make(map[string]int),
	}
}

// Name implements protocol.Dialer.
func (n *Network) Name() string {
	return "loopback"
}

// Open implements protocol.Dialer.
func (n *Network) Open(ctx context.Context, p protocol.OpenParams) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errors.New("loopback: empty session id")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// A second login for the same account replaces the first, as real services do.
	if old, ok := n.conns[p.SessionID]; ok {
		n.closeLocked(old, protocol.ReasonConnectionReplaced)
	}

	conn := &Conn{
		network:   n,
		sessionID: p.SessionID,
		emitter:   protocol.NewEmitter(n.logger),
	}
	n.conns[p.SessionID] = conn
	n.opens[p.SessionID]++

	var creds credentials
	if len(p.Credentials) > 0 && codec.Unmarshal(p.Credentials, &creds) == nil &&
		creds.Registered && !n.rejected[p.SessionID] {
		conn.account = creds.Account
		conn.paired = true
		n.openLocked(conn)
		n.logger.Debug("opened with stored credentials", "session_id", p.SessionID, "account", creds.Account)
		return conn, nil
	}

	n.rotateLocked(conn)
	n.logger.Debug("opened for pairing", "session_id", p.SessionID)
	return conn, nil
}

// openLocked emits EventOpened unless the session is held.
func (n *Network) openLocked(c *Conn) {
	if n.held[c.sessionID] {
		c.pendingOpen = true
		return
	}
	c.pendingOpen = false
	c.opened = true
	c.emitter.Emit(protocol.Event{Type: protocol.EventOpened})
}

// rotateLocked issues a new pairing code and schedules the next rotation.
func (n *Network) rotateLocked(c *Conn) {
	c.code = newPairingCode()
	c.emitter.Emit(protocol.Event{Type: protocol.EventPairingCode, PairingCode: c.code})

	if n.opts.CodeRotation <= 0 {
		return
	}
	c.rotation = n.opts.Clock.AfterFunc(n.opts.CodeRotation, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c.paired || c.emitter.Closed() {
			return
		}
		n.rotateLocked(c)
	})
}

func (n *Network) closeLocked(c *Conn, reason protocol.Reason) {
	if c.rotation != nil {
		c.rotation.Stop()
		c.rotation = nil
	}
	if n.conns[c.sessionID] == c {
		delete(n.conns, c.sessionID)
	}
	c.emitter.Close(reason, nil)
}

func newPairingCode() string {
	return "LB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// PairingCode returns the current pairing code for an unpaired session.
func (n *Network) PairingCode(sessionID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.conns[sessionID]
	if !ok || c.paired {
		return "", false
	}
	return c.code, true
}

// Pair confirms pairing for a session with its current code, as if the user
// had scanned it.
func (n *Network) Pair(sessionID string) error {
	code, ok := n.PairingCode(sessionID)
	if !ok {
		return fmt.Errorf("pair %s: %w", sessionID, ErrNoConnection)
	}
	n.mu.Lock()
	c := n.conns[sessionID]
	n.mu.Unlock()
	if c == nil {
		return fmt.Errorf("pair %s: %w", sessionID, ErrNoConnection)
	}
	return c.CompletePairing(context.Background(), code)
}

// Hold delays EventOpened for a session until Release.
func (n *Network) Hold(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held[sessionID] = true
}

// Release lifts a Hold and opens a pending connection.
func (n *Network) Release(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.held, sessionID)
	if c, ok := n.conns[sessionID]; ok && c.pendingOpen {
		n.openLocked(c)
	}
}

// Disconnect closes the session's live connection with reason.
func (n *Network) Disconnect(sessionID string, reason protocol.Reason) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.conns[sessionID]
	if !ok {
		return fmt.Errorf("disconnect %s: %w", sessionID, ErrNoConnection)
	}
	n.logger.Info("injecting disconnect", "session_id", sessionID, "reason", reason)
	n.closeLocked(c, reason)
	return nil
}

// Kill makes the session's connection report !Alive without emitting anything.
func (n *Network) Kill(sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.conns[sessionID]
	if !ok {
		return fmt.Errorf("kill %s: %w", sessionID, ErrNoConnection)
	}
	c.dead = true
	return nil
}

// RejectCredentials makes future opens for a session ignore stored credentials.
func (n *Network) RejectCredentials(sessionID string, reject bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if reject {
		n.rejected[sessionID] = true
	} else {
		delete(n.rejected, sessionID)
	}
}

// FailSends makes Send on the session's connections return err. Nil clears it.
func (n *Network) FailSends(sessionID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.failSends[sessionID] = err
	} else {
		delete(n.failSends, sessionID)
	}
}

// Opens returns how many connections were opened for a session.
func (n *Network) Opens(sessionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opens[sessionID]
}

// Live reports whether the session has an open, alive connection.
func (n *Network) Live(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[sessionID]
	return ok && !c.dead
}

// Sent returns a copy of every message sent through the network.
func (n *Network) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

var _ protocol.Dialer = (*Network)(nil)
