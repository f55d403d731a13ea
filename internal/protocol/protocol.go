// ABOUTME: Connection handle interfaces, lifecycle events and disconnect reasons
// ABOUTME: Classify maps reason codes to terminal, blocked or recoverable

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrClosed is returned by Send on a connection that has closed.
var ErrClosed = errors.New("connection closed")

// Dialer opens protocol connections.
type Dialer interface {
	// Open starts a connection for a session. It must not block on
	// authentication: progress is reported through Conn.Events. ctx bounds the
	// open call only, not the connection's lifetime.
	Open(ctx context.Context, p OpenParams) (Conn, error)

	// Name identifies the protocol in logs and status output.
	Name() string
}

// OpenParams are the inputs to Dialer.Open.
type OpenParams struct {
	SessionID string
	// Credentials is the stored blob, or nil to pair from scratch.
	Credentials []byte
	Logger      *slog.Logger
}

// Conn is a live protocol connection for one session.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, destination, text string) (messageID string, err error)
	Close() error
	Alive() bool
	// CloseReason reports why the connection closed. It returns false while the
	// connection is open, or when it died without a reason.
	CloseReason() (Reason, bool)
}

// Pairer is implemented by connections that accept an out-of-band pairing
// confirmation.
type Pairer interface {
	CompletePairing(ctx context.Context, code string) error
}

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventPairingCode EventType = iota + 1
	EventCredentials
	EventOpened
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventPairingCode:
		return "pairing_code"
	case EventCredentials:
		return "credentials"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is emitted by a Conn. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// PairingCode is the artifact for EventPairingCode.
	PairingCode string

	// Credentials and Registered describe the blob for EventCredentials.
	Credentials []byte
	Registered  bool

	// Reason is set for EventClosed.
	Reason Reason
	// Err optionally carries the transport error behind EventClosed.
	Err error
}

// Reason is a disconnect reason code. Values follow HTTP-style status codes.
type Reason int

const (
	ReasonUnknown            Reason = 0
	ReasonClosedLocally      Reason = 499
	ReasonConnectionLost     Reason = 408
	ReasonConnectionClosed   Reason = 428
	ReasonTimedOut           Reason = 504
	ReasonLoggedOut          Reason = 401
	ReasonConnectionReplaced Reason = 440
	ReasonRateLimited        Reason = 429
	ReasonRestartRequired    Reason = 515
)

var reasonNames = map[Reason]string{
	ReasonUnknown:            "unknown",
	ReasonClosedLocally:      "closed_locally",
	ReasonConnectionLost:     "connection_lost",
	ReasonConnectionClosed:   "connection_closed",
	ReasonTimedOut:           "timed_out",
	ReasonLoggedOut:          "logged_out",
	ReasonConnectionReplaced: "connection_replaced",
	ReasonRateLimited:        "rate_limited",
	ReasonRestartRequired:    "restart_required",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(r))
}

// Class is how the coordinator reacts to a disconnect.
type Class int

const (
	// ClassRecoverable reconnects with backoff.
	ClassRecoverable Class = iota
	// ClassBlocked enters the cooldown window without reconnecting.
	ClassBlocked
	// ClassTerminal destroys the session and its credentials.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassBlocked:
		return "blocked"
	case ClassTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var classification = map[Reason]Class{
	ReasonLoggedOut:          ClassTerminal,
	ReasonConnectionReplaced: ClassTerminal,
	ReasonRateLimited:        ClassBlocked,
	ReasonRestartRequired:    ClassBlocked,
}

// Classify maps a disconnect reason to its class.
func Classify(r Reason) Class {
	if c, ok := classification[r]; ok {
		return c
	}
	return ClassRecoverable
}
