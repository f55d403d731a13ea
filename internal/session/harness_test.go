// ABOUTME: Test harness wiring a Coordinator to the loopback network, MockStore and fake clock
// ABOUTME: Helpers wait for asynchronous transitions driven by the event pump

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/protocol/loopback"
	"github.com/2389/tether-gateway/internal/store"
)

type harness struct {
	t     *testing.T
	net   *loopback.Network
	store *store.MockStore
	clock *clock.Fake
	coord *Coordinator
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	fc := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	net := loopback.NewNetwork(loopback.Options{Clock: fc})
	ms := store.NewMockStore()

	h := &harness{t: t, net: net, store: ms, clock: fc}
	h.coord = h.newCoordinator(configure...)
	return h
}

// newCoordinator builds another coordinator over the same network, store and clock,
// as a restarted process would.
func (h *harness) newCoordinator(configure ...func(*Config)) *Coordinator {
	h.t.Helper()

	cfg := Config{
		Dialer:              h.net,
		Credentials:         h.store,
		Audit:               h.store,
		Clock:               h.clock,
		Cooldown:            15 * time.Minute,
		ReconnectBackoff:    time.Second,
		ReconnectMaxBackoff: 8 * time.Second,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	coord, err := NewCoordinator(cfg)
	require.NoError(h.t, err)
	h.t.Cleanup(coord.Close)
	return coord
}

// peek reads a record's status without side effects.
func (h *harness) peek(c *Coordinator, id string) (Status, bool) {
	rec, ok := c.sessions.get(id)
	if !ok {
		return StatusUninitialized, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, true
}

func (h *harness) waitStatus(c *Coordinator, id string, want Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got, _ := h.peek(c, id)
		return got == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s to reach %s", id, want)
}

func (h *harness) waitArtifact(c *Coordinator, id string) string {
	h.t.Helper()
	code, err := c.PairingArtifact(context.Background(), id, 2*time.Second)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, code)
	return code
}

// connect starts and pairs a session, returning its token.
func (h *harness) connect(c *Coordinator, id string) string {
	h.t.Helper()
	ctx := context.Background()

	_, err := c.Start(ctx, id)
	require.NoError(h.t, err)

	code := h.waitArtifact(c, id)
	require.NoError(h.t, c.CompletePairing(ctx, id, code))
	h.waitStatus(c, id, StatusConnected)

	token, err := c.Token(id)
	require.NoError(h.t, err)
	return token
}
