// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Two narrow interfaces cover everything the session coordinator persists:
//
//   - CredentialStore: one opaque protocol credential blob per session id
//   - AuditStore: an append-only trail of lifecycle transitions
//
// SQLiteStore implements both; MockStore is the in-memory double used by tests
// and can inject save failures and corrupt envelopes.
//
// # Credential Envelopes
//
// Blobs are wrapped in a small CBOR envelope (see internal/codec) before they
// hit the credentials table:
//
//	{1: version, 2: sealed, 3: payload}
//
// When a Sealer is configured (an age identity from internal/sealed) the payload
// is age ciphertext. An envelope that fails to decode or decrypt loads as
// ErrCorruptCredential and the coordinator pairs the session from scratch.
//
// Every saved blob gets a blake3 fingerprint. SaveCredential compares it with
// the stored one and skips the write when nothing changed, which matters for
// protocols that re-emit identical credentials on every reconnect.
//
// # SQLite Configuration
//
// Either driver can be selected:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// File databases run in WAL mode with a 5s busy timeout. ":memory:" is
// supported for tests and single-process experiments.
//
// # Schema
//
//	credentials(session_id PK, envelope, fingerprint, registered, updated_at)
//	session_events(seq PK, event_id, session_id, from_status, to_status, reason, ts, detail_json)
package store
