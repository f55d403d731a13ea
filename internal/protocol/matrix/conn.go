// ABOUTME: Matrix connection: SSO token login, whoami check, sync loop and SendText
// ABOUTME: Implements protocol.Conn and protocol.Pairer

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tether-gateway/internal/protocol"
)

// Conn is one session's matrix client.
type Conn struct {
	dialer    *Dialer
	sessionID string
	emitter   *protocol.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu     sync.Mutex
	client *mautrix.Client
	paired bool
}

// Events implements protocol.Conn.
func (c *Conn) Events() <-chan protocol.Event {
	return c.emitter.Events()
}

// CompletePairing exchanges an SSO loginToken for an access token.
func (c *Conn) CompletePairing(ctx context.Context, loginToken string) error {
	if loginToken == "" {
		return errors.New("login token is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emitter.Closed() {
		return protocol.ErrClosed
	}
	if c.paired {
		return errors.New("matrix connection already logged in")
	}

	resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    loginToken,
		InitialDeviceDisplayName: c.dialer.opts.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix token login: %w", err)
	}

	c.client.UserID = resp.UserID
	c.client.DeviceID = resp.DeviceID
	c.client.AccessToken = resp.AccessToken
	c.paired = true

	blob, err := EncodeCredentials(Credentials{
		Homeserver:  c.client.HomeserverURL.String(),
		UserID:      resp.UserID.String(),
		DeviceID:    resp.DeviceID.String(),
		AccessToken: resp.AccessToken,
	})
	if err != nil {
		return fmt.Errorf("encoding matrix credentials: %w", err)
	}
	c.emitter.Emit(protocol.Event{Type: protocol.EventCredentials, Credentials: blob, Registered: true})
	c.logger.Info("matrix login completed", "user_id", resp.UserID, "device_id", resp.DeviceID)

	go c.run()
	return nil
}

// run verifies the access token, reports the connection open and syncs until
// the connection fails or is closed.
func (c *Conn) run() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if _, err := client.Whoami(c.ctx); err != nil {
		c.fail(err)
		return
	}
	c.emitter.Emit(protocol.Event{Type: protocol.EventOpened})

	err := client.SyncWithContext(c.ctx)
	c.fail(err)
}

func (c *Conn) fail(err error) {
	reason := ReasonFromError(err)
	if reason == protocol.ReasonClosedLocally {
		return
	}
	c.logger.Warn("matrix connection ended", "reason", reason, "error", err)
	c.cancel()
	c.emitter.Close(reason, err)
}

// Send implements protocol.Conn. destination is a room id.
func (c *Conn) Send(ctx context.Context, destination, text string) (string, error) {
	if c.emitter.Closed() {
		return "", protocol.ErrClosed
	}

	c.mu.Lock()
	client, paired := c.client, c.paired
	c.mu.Unlock()
	if !paired {
		return "", fmt.Errorf("send before login: %w", protocol.ErrClosed)
	}

	resp, err := client.SendText(ctx, id.RoomID(destination), text)
	if err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return resp.EventID.String(), nil
}

// Close implements protocol.Conn.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.StopSync()
	}
	c.emitter.Close(protocol.ReasonClosedLocally, nil)
	return nil
}

// Alive implements protocol.Conn.
func (c *Conn) Alive() bool {
	return !c.emitter.Closed()
}

// CloseReason implements protocol.Conn.
func (c *Conn) CloseReason() (protocol.Reason, bool) {
	return c.emitter.CloseReason()
}

var (
	_ protocol.Conn   = (*Conn)(nil)
	_ protocol.Pairer = (*Conn)(nil)
)
