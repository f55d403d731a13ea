// ABOUTME: In-memory session registry: id -> record with per-record locking
// ABOUTME: Map membership uses an RWMutex; record state uses the record's own mutex

package session

import (
	"sync"
	"time"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/protocol"
)

// record is one session's mutable state. All fields after mu are guarded by mu.
type record struct {
	id string

	mu           sync.Mutex
	status       Status
	pairingCode  string
	conn         protocol.Conn
	generation   uint64
	blockedUntil time.Time
	token        string
	attempts     int
	lastReason   protocol.Reason
	hasReason    bool
	lastError    string
	registered   bool
	reconnect    clock.Timer
	removed      bool
	createdAt    time.Time
	updatedAt    time.Time
}

// registry maps session ids to records.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*record)}
}

func (r *registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	return rec, ok
}

// getOrCreate returns the record for id, inserting an UNINITIALIZED one if absent.
func (r *registry) getOrCreate(id string, now time.Time) *record {
	if rec, ok := r.get(id); ok {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		return rec
	}
	rec := &record{
		id:        id,
		status:    StatusUninitialized,
		createdAt: now,
		updatedAt: now,
	}
	r.sessions[id] = rec
	return rec
}

// remove deletes id only if it still maps to rec, so a record destroyed late
// never evicts its replacement.
func (r *registry) remove(id string, rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != rec {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *registry) snapshot() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*record, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
