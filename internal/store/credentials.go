// ABOUTME: Credential persistence: envelope encoding, optional age sealing, blake3 fingerprints
// ABOUTME: One row per session id; unchanged blobs are not rewritten

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/2389/tether-gateway/internal/codec"
)

const envelopeVersion = 1

// envelope is the on-disk form of a credential blob.
type envelope struct {
	Version int    `cbor:"1,keyasint"`
	Sealed  bool   `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

// Fingerprint returns a short blake3 digest of a credential blob.
func Fingerprint(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:16])
}

func sealEnvelope(sealer Sealer, blob []byte) ([]byte, error) {
	env := envelope{Version: envelopeVersion, Payload: blob}
	if sealer != nil {
		sealed, err := sealer.Seal(blob)
		if err != nil {
			return nil, fmt.Errorf("sealing credential: %w", err)
		}
		env.Sealed = true
		env.Payload = sealed
	}
	return codec.Marshal(env)
}

func openEnvelope(sealer Sealer, data []byte) ([]byte, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrCorruptCredential, env.Version)
	}
	if !env.Sealed {
		return env.Payload, nil
	}
	if sealer == nil {
		return nil, fmt.Errorf("%w: envelope is sealed but no identity is configured", ErrCorruptCredential)
	}
	blob, err := sealer.Open(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	return blob, nil
}

// LoadCredential retrieves the credential for a session.
// Returns ErrNotFound if the session has no saved credential.
func (s *SQLiteStore) LoadCredential(ctx context.Context, sessionID string) (*Credential, error) {
	query := `SELECT envelope, fingerprint, registered, updated_at FROM credentials WHERE session_id = ?`

	var (
		data        []byte
		fingerprint string
		registered  bool
		updatedAt   string
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data, &fingerprint, &registered, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	blob, err := openEnvelope(s.sealer, data)
	if err != nil {
		s.logger.Warn("unreadable credential envelope", "session_id", sessionID, "error", err)
		return nil, err
	}

	c := &Credential{
		SessionID:   sessionID,
		Blob:        blob,
		Registered:  registered,
		Fingerprint: fingerprint,
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c, nil
}

// SaveCredential stores c, replacing any existing credential for the session.
// When the stored fingerprint and registered flag already match, nothing is written.
func (s *SQLiteStore) SaveCredential(ctx context.Context, c *Credential) (bool, error) {
	if c.SessionID == "" {
		return false, errors.New("credential has no session id")
	}
	c.Fingerprint = Fingerprint(c.Blob)

	var (
		existing   string
		registered bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, registered FROM credentials WHERE session_id = ?`, c.SessionID,
	).Scan(&existing, &registered)
	switch {
	case err == nil && existing == c.Fingerprint && registered == c.Registered:
		s.logger.Debug("credential unchanged", "session_id", c.SessionID, "fingerprint", c.Fingerprint)
		return false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("querying credential fingerprint: %w", err)
	}

	data, err := sealEnvelope(s.sealer, c.Blob)
	if err != nil {
		return false, err
	}

	c.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO credentials (session_id, envelope, fingerprint, registered, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			envelope = excluded.envelope,
			fingerprint = excluded.fingerprint,
			registered = excluded.registered,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.SessionID,
		data,
		c.Fingerprint,
		c.Registered,
		c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("saving credential: %w", err)
	}

	s.logger.Debug("saved credential",
		"session_id", c.SessionID,
		"fingerprint", c.Fingerprint,
		"registered", c.Registered,
	)
	return true, nil
}

// DeleteCredential removes the credential for a session.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("deleted credential", "session_id", sessionID)
	}
	return nil
}

// IsRegistered reports whether the session has a registered credential.
func (s *SQLiteStore) IsRegistered(ctx context.Context, sessionID string) (bool, error) {
	var registered bool
	err := s.db.QueryRowContext(ctx,
		`SELECT registered FROM credentials WHERE session_id = ?`, sessionID,
	).Scan(&registered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying credential: %w", err)
	}
	return registered, nil
}

// ListCredentialIDs returns all session ids with stored credentials, sorted.
func (s *SQLiteStore) ListCredentialIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM credentials ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
