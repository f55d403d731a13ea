// ABOUTME: Loopback connection implementing protocol.Conn and protocol.Pairer
// ABOUTME: All mutable state is guarded by the owning Network's mutex

package loopback

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/codec"
	"github.com/2389/tether-gateway/internal/protocol"
)

// Conn is a loopback connection.
type Conn struct {
	network   *Network
	sessionID string
	emitter   *protocol.Emitter

	// guarded by network.mu
	code        string
	account     string
	paired      bool
	opened      bool
	pendingOpen bool
	dead        bool
	rotation    clock.Timer
}

// Events implements protocol.Conn.
func (c *Conn) Events() <-chan protocol.Event {
	return c.emitter.Events()
}

// Send implements protocol.Conn.
func (c *Conn) Send(ctx context.Context, destination, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if c.dead || c.emitter.Closed() {
		return "", protocol.ErrClosed
	}
	if !c.opened {
		return "", fmt.Errorf("send before open: %w", protocol.ErrClosed)
	}
	if err := n.failSends[c.sessionID]; err != nil {
		return "", err
	}

	msg := Message{
		ID:          "LB." + uuid.NewString(),
		SessionID:   c.sessionID,
		Destination: destination,
		Text:        text,
		At:          n.opts.Clock.Now(),
	}
	n.sent = append(n.sent, msg)
	return msg.ID, nil
}

// Close implements protocol.Conn.
func (c *Conn) Close() error {
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked(c, protocol.ReasonClosedLocally)
	return nil
}

// Alive implements protocol.Conn.
func (c *Conn) Alive() bool {
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	return !c.dead && !c.emitter.Closed()
}

// CloseReason implements protocol.Conn.
func (c *Conn) CloseReason() (protocol.Reason, bool) {
	return c.emitter.CloseReason()
}

// CompletePairing implements protocol.Pairer.
func (c *Conn) CompletePairing(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if c.dead || c.emitter.Closed() {
		return protocol.ErrClosed
	}
	if c.paired {
		return ErrAlreadyPaired
	}
	if code != c.code {
		return ErrInvalidCode
	}

	account := uuid.NewString()
	blob, err := codec.Marshal(credentials{Account: account, Registered: true})
	if err != nil {
		return fmt.Errorf("encoding loopback credentials: %w", err)
	}

	c.account = account
	c.paired = true
	c.code = ""
	if c.rotation != nil {
		c.rotation.Stop()
		c.rotation = nil
	}
	c.emitter.Emit(protocol.Event{Type: protocol.EventCredentials, Credentials: blob, Registered: true})
	n.openLocked(c)

	n.logger.Info("pairing completed", "session_id", c.sessionID)
	return nil
}

var (
	_ protocol.Conn   = (*Conn)(nil)
	_ protocol.Pairer = (*Conn)(nil)
)
