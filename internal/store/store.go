// ABOUTME: Storage interfaces and data types for session credentials and lifecycle audit
// ABOUTME: Implemented by SQLiteStore for production and MockStore for tests

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrCorruptCredential is returned when a stored credential envelope cannot be
// decoded or opened. Callers treat the session as unregistered.
var ErrCorruptCredential = errors.New("credential envelope is corrupt or unreadable")

// Credential is the persisted protocol credential blob for one session.
// Blob is opaque to the store; only the protocol adapter understands it.
type Credential struct {
	SessionID   string
	Blob        []byte
	Registered  bool      // the blob has completed pairing
	Fingerprint string    // blake3 of Blob, set by SaveCredential
	UpdatedAt   time.Time // set by SaveCredential
}

// CredentialStore persists one credential blob per session id.
type CredentialStore interface {
	// LoadCredential returns the stored credential.
	// Returns ErrNotFound if none exists, ErrCorruptCredential if it cannot be read.
	LoadCredential(ctx context.Context, sessionID string) (*Credential, error)

	// SaveCredential creates or replaces the credential for c.SessionID.
	// It reports whether anything was written; an identical blob is skipped.
	SaveCredential(ctx context.Context, c *Credential) (bool, error)

	// DeleteCredential removes the credential. Deleting a missing credential is not an error.
	DeleteCredential(ctx context.Context, sessionID string) error

	// IsRegistered reports whether a registered credential exists, without decoding it.
	IsRegistered(ctx context.Context, sessionID string) (bool, error)

	// ListCredentialIDs returns every session id with a stored credential.
	ListCredentialIDs(ctx context.Context) ([]string, error)
}

// SessionEvent is one lifecycle transition recorded in the audit trail.
type SessionEvent struct {
	ID        string // UUID v4
	SessionID string
	From      string
	To        string
	Reason    string
	Timestamp time.Time
	Detail    map[string]any
}

// AuditStore records and lists lifecycle transitions.
type AuditStore interface {
	AppendSessionEvent(ctx context.Context, e *SessionEvent) error

	// ListSessionEvents returns up to limit of the most recent events for a
	// session, oldest first.
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error)
}

// Store combines all storage interfaces.
type Store interface {
	CredentialStore
	AuditStore
	Close() error
}

// Sealer encrypts credential blobs at rest. *sealed.Box implements it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}
