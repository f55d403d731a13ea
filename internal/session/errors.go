// ABOUTME: Sentinel and typed errors returned by the coordinator
// ABOUTME: Mapped to HTTP status codes by the gateway with errors.Is/As

package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a session, token or pairing artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidToken is returned by Send when the token does not resolve to a live connection.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("session id is required")

	// ErrAlreadyExists is returned by CompletePairing when the session is already connected.
	ErrAlreadyExists = errors.New("session already connected")

	// ErrPairingUnsupported is returned when the connection cannot take an out-of-band confirmation.
	ErrPairingUnsupported = errors.New("connection does not accept pairing confirmations")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)

// RateLimitedError is returned by Start while a session's cooldown is active.
type RateLimitedError struct {
	SessionID string
	Until     time.Time
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("session %s is rate limited, retry in %ds", e.SessionID, e.RetryAfterSeconds())
}

// RetryAfterSeconds is Remaining rounded up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return ceilSeconds(e.Remaining)
}

// SendFailedError wraps a transport error from Conn.Send.
type SendFailedError struct {
	SessionID string
	Detail    string
	Err       error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send failed on session %s: %s", e.SessionID, e.Detail)
}

func (e *SendFailedError) Unwrap() error {
	return e.Err
}

// StorageError is a credential store failure. It only affects the named session.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("credential %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
