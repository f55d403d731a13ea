// Package session supervises per-session protocol connections.
//
// # Overview
//
// The Coordinator owns every session's lifecycle: it opens connections through
// a protocol.Dialer, persists credentials through a store.CredentialStore,
// reconnects after recoverable disconnects, enforces a cooldown after
// rate-limit disconnects, destroys sessions on terminal disconnects, and issues
// bearer tokens that authorize sends on a connected session.
//
// # States
//
//	UNINITIALIZED ──Start──▶ AWAITING_PAIRING ──opened+registered──▶ CONNECTED
//	                               │  ▲                                  │
//	                 recoverable   │  │ pairing code      recoverable    │
//	                               ▼  │                                  ▼
//	                          RECONNECTING ◀───────────────────────────────
//
//	any connection state ──rate limited──▶ BLOCKED ──cooldown elapsed──▶ UNINITIALIZED
//	any state ──logged out / replaced / Reset──▶ DESTROYED (record removed)
//
// Allowed transitions are listed in state.go; anything else is logged and ignored.
//
// # Concurrency
//
// The registry map has its own RWMutex; each record has a mutex that
// serialises all state changes for that session. Blocking work (credential
// I/O, dialing) happens under the record's lock only, so one slow session never
// stalls another.
//
// Every connection gets a pump goroutine that forwards its events tagged with
// the generation the connection was opened under. The generation is bumped on
// every open and on teardown, so events from a superseded or closed connection
// are discarded. Reconnect timers carry the same tag, which is how Reset and a
// manual Start cancel a pending reconnect without tracking it explicitly.
//
// # Tokens
//
// A session's token is minted on its first CONNECTED transition and stays the
// same for the record's lifetime. The token is only resolvable while its
// connection is live: closing the connection unbinds it, reaching CONNECTED
// again rebinds it, destroying the session revokes it.
package session
