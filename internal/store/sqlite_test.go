// ABOUTME: Tests for the SQLite credential store
// ABOUTME: Envelope sealing, fingerprint skip, corrupt blobs and listing

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/sealed"
)

func TestSaveAndLoadCredential(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	changed, err := store.SaveCredential(ctx, &Credential{
		SessionID:  "acme/alice",
		Blob:       []byte("blob-v1"),
		Registered: true,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := store.LoadCredential(ctx, "acme/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-v1"), got.Blob)
	assert.True(t, got.Registered)
	assert.Equal(t, Fingerprint([]byte("blob-v1")), got.Fingerprint)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadCredentialNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadCredential(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveCredentialSkipsUnchangedBlob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &Credential{SessionID: "s1", Blob: []byte("same"), Registered: false}
	changed, err := store.SaveCredential(ctx, c)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.SaveCredential(ctx, &Credential{SessionID: "s1", Blob: []byte("same")})
	require.NoError(t, err)
	assert.False(t, changed, "identical blob should not be rewritten")

	// Flipping registered alone is a change.
	changed, err = store.SaveCredential(ctx, &Credential{SessionID: "s1", Blob: []byte("same"), Registered: true})
	require.NoError(t, err)
	assert.True(t, changed)

	registered, err := store.IsRegistered(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestDeleteCredentialIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SaveCredential(ctx, &Credential{SessionID: "s1", Blob: []byte("x"), Registered: true})
	require.NoError(t, err)

	require.NoError(t, store.DeleteCredential(ctx, "s1"))
	require.NoError(t, store.DeleteCredential(ctx, "s1"))

	registered, err := store.IsRegistered(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestListCredentialIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t2/b", "t1/a", "t1/c"} {
		_, err := store.SaveCredential(ctx, &Credential{SessionID: id, Blob: []byte(id)})
		require.NoError(t, err)
	}

	ids, err := store.ListCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1/a", "t1/c", "t2/b"}, ids)
}

func TestSealedCredentialRoundTrip(t *testing.T) {
	box, err := sealed.GenerateBox()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sealed.db")
	store, err := NewSQLiteStore(path, Options{Sealer: box})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	_, err = store.SaveCredential(ctx, &Credential{SessionID: "s1", Blob: []byte("plaintext-secret"), Registered: true})
	require.NoError(t, err)

	var raw []byte
	require.NoError(t, store.db.QueryRow(`SELECT envelope FROM credentials WHERE session_id = 's1'`).Scan(&raw))
	assert.NotContains(t, string(raw), "plaintext-secret")

	got, err := store.LoadCredential(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext-secret"), got.Blob)
}

func TestSealedCredentialWithoutIdentityIsCorrupt(t *testing.T) {
	box, err := sealed.GenerateBox()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sealed.db")
	sealedStore, err := NewSQLiteStore(path, Options{Sealer: box})
	require.NoError(t, err)
	_, err = sealedStore.SaveCredential(context.Background(), &Credential{SessionID: "s1", Blob: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, sealedStore.Close())

	plainStore, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { plainStore.Close() })

	_, err = plainStore.LoadCredential(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrCorruptCredential)
}

func TestGarbageEnvelopeIsCorrupt(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(
		`INSERT INTO credentials (session_id, envelope, fingerprint, registered, updated_at) VALUES ('s1', ?, 'f', 1, 'now')`,
		[]byte{0xff, 0xfe},
	)
	require.NoError(t, err)

	_, err = store.LoadCredential(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrCorruptCredential)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewSQLiteStore(":memory:", Options{Driver: "postgres"})
	assert.Error(t, err)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath, Options{})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}
