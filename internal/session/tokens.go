// ABOUTME: Token issuer mapping bearer tokens to a session's live connection.
// ABOUTME: Tokens are minted once per session and rebound on every reconnect.

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/2389/tether-gateway/internal/protocol"
)

// tokenBytes is the token entropy: 256 bits.
const tokenBytes = 32

type binding struct {
	sessionID  string
	conn       protocol.Conn // nil while the session is not connected
	generation uint64
}

// TokenIssuer manages session tokens and the connection each one authorizes.
type TokenIssuer struct {
	mu       sync.RWMutex
	bindings map[string]*binding // token -> binding
	random   io.Reader
}

// NewTokenIssuer creates an empty issuer.
func NewTokenIssuer() *TokenIssuer {
	return &TokenIssuer{
		bindings: make(map[string]*binding),
		random:   rand.Reader,
	}
}

// Issue mints a new token bound to conn.
func (t *TokenIssuer) Issue(sessionID string, conn protocol.Conn, generation uint64) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(t.random, buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	t.mu.Lock()
	t.bindings[token] = &binding{sessionID: sessionID, conn: conn, generation: generation}
	t.mu.Unlock()

	return token, nil
}

// Bind points an existing token at a new connection of the same session.
// A token issued to a different session is never rebound.
func (t *TokenIssuer) Bind(token, sessionID string, conn protocol.Conn, generation uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[token]
	if !ok {
		t.bindings[token] = &binding{sessionID: sessionID, conn: conn, generation: generation}
		return nil
	}
	if b.sessionID != sessionID {
		return fmt.Errorf("token belongs to another session: %w", ErrInvalidToken)
	}
	b.conn = conn
	b.generation = generation
	return nil
}

// Unbind detaches a token from its connection. The token keeps belonging to
// its session and resolves again after the next Bind.
func (t *TokenIssuer) Unbind(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.bindings[token]; ok {
		b.conn = nil
	}
}

// Resolve returns the live connection and session id for a token.
func (t *TokenIssuer) Resolve(token string) (protocol.Conn, string, error) {
	if token == "" {
		return nil, "", ErrInvalidToken
	}

	t.mu.RLock()
	b, ok := t.bindings[token]
	var (
		conn      protocol.Conn
		sessionID string
	)
	if ok {
		conn, sessionID = b.conn, b.sessionID
	}
	t.mu.RUnlock()

	if conn == nil || !conn.Alive() {
		return nil, "", ErrInvalidToken
	}
	return conn, sessionID, nil
}

// Revoke forgets a token entirely.
func (t *TokenIssuer) Revoke(token string) {
	t.mu.Lock()
	delete(t.bindings, token)
	t.mu.Unlock()
}

// RevokeSession forgets every token of a session and returns how many there were.
func (t *TokenIssuer) RevokeSession(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for token, b := range t.bindings {
		if b.sessionID == sessionID {
			delete(t.bindings, token)
			n++
		}
	}
	return n
}

// Count returns the number of tokens currently bound to a connection (for monitoring).
func (t *TokenIssuer) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, b := range t.bindings {
		if b.conn != nil {
			n++
		}
	}
	return n
}
