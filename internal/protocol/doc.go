// Package protocol defines the narrow boundary between the session coordinator
// and a concrete messaging protocol.
//
// # Overview
//
// A Dialer opens one Conn per session. A Conn delivers lifecycle Events on a
// channel and sends text messages; its internals (sockets, sync loops, key
// material) stay inside the adapter:
//
//	type Dialer interface { Open(ctx, OpenParams) (Conn, error); Name() string }
//	type Conn interface {
//	    Events() <-chan Event
//	    Send(ctx, destination, text) (string, error)
//	    Close() error
//	    Alive() bool
//	    CloseReason() (Reason, bool)
//	}
//
// Connections that accept an out-of-band pairing confirmation (an SSO login
// token, a typed code) also implement Pairer.
//
// # Events
//
// Each Conn emits, in order:
//
//   - EventPairingCode: a new pairing artifact (may repeat as codes rotate)
//   - EventCredentials: an updated credential blob to persist
//   - EventOpened: the connection is authenticated
//   - EventClosed: the connection ended with a Reason; the channel closes after it
//
// Emitter reserves a buffer slot so EventClosed is never dropped, and keeps the
// reason so CloseReason answers before the event has been read.
//
// # Disconnect Classification
//
// Classify is the only place reason codes are interpreted:
//
//	ReasonLoggedOut (401), ReasonConnectionReplaced (440)  -> ClassTerminal
//	ReasonRateLimited (429), ReasonRestartRequired (515)   -> ClassBlocked
//	anything else                                          -> ClassRecoverable
//
// Adapters live in subpackages: loopback (in-process network for tests and
// development) and matrix (mautrix client).
package protocol
