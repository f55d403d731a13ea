// ABOUTME: Tests for the loopback network
// ABOUTME: Pairing, code rotation, stored credentials, fault injection

package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether-gateway/internal/clock"
	"github.com/2389/tether-gateway/internal/protocol"
)

func newTestNetwork(t *testing.T, rotation time.Duration) (*Network, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1700000000, 0))
	return NewNetwork(Options{CodeRotation: rotation, Clock: fc}), fc
}

func next(t *testing.T, conn protocol.Conn) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.Event{}
}

func TestPairingFlow(t *testing.T) {
	n, _ := newTestNetwork(t, 0)
	ctx := context.Background()

	conn, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)

	ev := next(t, conn)
	require.Equal(t, protocol.EventPairingCode, ev.Type)
	assert.Regexp(t, `^LB-[0-9A-F]{8}$`, ev.PairingCode)

	pairer, ok := conn.(protocol.Pairer)
	require.True(t, ok)
	assert.ErrorIs(t, pairer.CompletePairing(ctx, "wrong"), ErrInvalidCode)
	require.NoError(t, pairer.CompletePairing(ctx, ev.PairingCode))
	assert.ErrorIs(t, pairer.CompletePairing(ctx, ev.PairingCode), ErrAlreadyPaired)

	creds := next(t, conn)
	require.Equal(t, protocol.EventCredentials, creds.Type)
	assert.True(t, creds.Registered)
	assert.NotEmpty(t, creds.Credentials)

	assert.Equal(t, protocol.EventOpened, next(t, conn).Type)

	// The issued credentials open directly next time.
	require.NoError(t, conn.Close())
	conn2, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1", Credentials: creds.Credentials})
	require.NoError(t, err)
	assert.Equal(t, protocol.EventOpened, next(t, conn2).Type)
	assert.Equal(t, 2, n.Opens("s1"))
}

func TestCodeRotation(t *testing.T) {
	n, fc := newTestNetwork(t, 20*time.Second)

	conn, err := n.Open(context.Background(), protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	first := next(t, conn).PairingCode

	fc.Advance(20 * time.Second)
	second := next(t, conn)
	require.Equal(t, protocol.EventPairingCode, second.Type)
	assert.NotEqual(t, first, second.PairingCode)

	current, ok := n.PairingCode("s1")
	require.True(t, ok)
	assert.Equal(t, second.PairingCode, current)

	// Rotation stops after close.
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, fc.Pending())
}

func TestHoldDelaysOpen(t *testing.T) {
	n, _ := newTestNetwork(t, 0)
	n.Hold("s1")

	conn, err := n.Open(context.Background(), protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	next(t, conn) // pairing code
	require.NoError(t, n.Pair("s1"))
	assert.Equal(t, protocol.EventCredentials, next(t, conn).Type)

	select {
	case ev := <-conn.Events():
		t.Fatalf("unexpected event while held: %v", ev.Type)
	default:
	}

	n.Release("s1")
	assert.Equal(t, protocol.EventOpened, next(t, conn).Type)
}

func TestDisconnectClosesWithReason(t *testing.T) {
	n, _ := newTestNetwork(t, 0)

	conn, err := n.Open(context.Background(), protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	next(t, conn)

	_, closed := conn.CloseReason()
	assert.False(t, closed)

	require.NoError(t, n.Disconnect("s1", protocol.ReasonRateLimited))
	reason, closed := conn.CloseReason()
	assert.True(t, closed, "close reason is visible before the event is read")
	assert.Equal(t, protocol.ReasonRateLimited, reason)

	ev := next(t, conn)
	assert.Equal(t, protocol.EventClosed, ev.Type)
	assert.Equal(t, protocol.ReasonRateLimited, ev.Reason)

	_, open := <-conn.Events()
	assert.False(t, open, "channel closes after EventClosed")
	assert.False(t, conn.Alive())

	assert.ErrorIs(t, n.Disconnect("s1", protocol.ReasonRateLimited), ErrNoConnection)
}

func TestSecondOpenReplacesFirst(t *testing.T) {
	n, _ := newTestNetwork(t, 0)
	ctx := context.Background()

	first, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	next(t, first)

	_, err = n.Open(ctx, protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)

	ev := next(t, first)
	assert.Equal(t, protocol.EventClosed, ev.Type)
	assert.Equal(t, protocol.ReasonConnectionReplaced, ev.Reason)
}

func TestKillAndRejectCredentials(t *testing.T) {
	n, _ := newTestNetwork(t, 0)
	ctx := context.Background()

	conn, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	next(t, conn)
	require.NoError(t, n.Pair("s1"))
	creds := next(t, conn)
	next(t, conn)

	require.NoError(t, n.Kill("s1"))
	assert.False(t, conn.Alive())
	_, closed := conn.CloseReason()
	assert.False(t, closed, "a killed connection has no close reason")
	assert.False(t, n.Live("s1"))

	n.RejectCredentials("s1", true)
	conn2, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1", Credentials: creds.Credentials})
	require.NoError(t, err)
	assert.Equal(t, protocol.EventPairingCode, next(t, conn2).Type)
}

func TestSendRecordsAndFails(t *testing.T) {
	n, _ := newTestNetwork(t, 0)
	ctx := context.Background()

	conn, err := n.Open(ctx, protocol.OpenParams{SessionID: "s1"})
	require.NoError(t, err)
	next(t, conn)

	_, err = conn.Send(ctx, "bob", "too early")
	assert.ErrorIs(t, err, protocol.ErrClosed)

	require.NoError(t, n.Pair("s1"))

	id, err := conn.Send(ctx, "bob", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := n.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].Destination)
	assert.Equal(t, "hello", sent[0].Text)

	boom := errors.New("recipient unknown")
	n.FailSends("s1", boom)
	_, err = conn.Send(ctx, "carol", "hi")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, n.Sent(), 1)
}
