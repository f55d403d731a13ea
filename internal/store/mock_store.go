// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential      // keyed by session ID
	events      map[string][]*SessionEvent // keyed by session ID
	corrupt     map[string]bool            // session IDs whose load fails as corrupt
	saveErr     error
	saves       int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		credentials: make(map[string]*Credential),
		events:      make(map[string][]*SessionEvent),
		corrupt:     make(map[string]bool),
	}
}

// FailSaves makes every subsequent SaveCredential return err. Pass nil to clear.
func (m *MockStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// MarkCorrupt makes LoadCredential for sessionID return ErrCorruptCredential.
func (m *MockStore) MarkCorrupt(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt[sessionID] = true
}

// Saves returns how many SaveCredential calls actually wrote.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// LoadCredential returns a copy of the stored credential.
func (m *MockStore) LoadCredential(ctx context.Context, sessionID string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.corrupt[sessionID] {
		return nil, ErrCorruptCredential
	}
	c, ok := m.credentials[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Blob = append([]byte(nil), c.Blob...)
	return &cp, nil
}

// SaveCredential stores a copy of c.
func (m *MockStore) SaveCredential(ctx context.Context, c *Credential) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return false, m.saveErr
	}
	if c.SessionID == "" {
		return false, errors.New("credential has no session id")
	}

	c.Fingerprint = Fingerprint(c.Blob)
	if existing, ok := m.credentials[c.SessionID]; ok &&
		existing.Fingerprint == c.Fingerprint && existing.Registered == c.Registered {
		return false, nil
	}

	c.UpdatedAt = time.Now().UTC()
	cp := *c
	cp.Blob = append([]byte(nil), c.Blob...)
	m.credentials[c.SessionID] = &cp
	delete(m.corrupt, c.SessionID)
	m.saves++
	return true, nil
}

// DeleteCredential removes the credential if present.
func (m *MockStore) DeleteCredential(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, sessionID)
	delete(m.corrupt, sessionID)
	return nil
}

// IsRegistered reports the stored registered flag.
func (m *MockStore) IsRegistered(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[sessionID]
	return ok && c.Registered, nil
}

// ListCredentialIDs returns the stored session ids, sorted.
func (m *MockStore) ListCredentialIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.credentials))
	for id := range m.credentials {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendSessionEvent records an event.
func (m *MockStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	m.events[e.SessionID] = append(m.events[e.SessionID], &cp)
	return nil
}

// ListSessionEvents returns the most recent events, oldest first.
func (m *MockStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.events[sessionID]
	limit = normalizeAuditLimit(limit)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*SessionEvent, len(all))
	for i, e := range all {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
