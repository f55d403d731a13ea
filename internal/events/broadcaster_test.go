// ABOUTME: Tests for the lifecycle event broadcaster
// ABOUTME: Per-session routing, wildcard delivery, cleanup and slow subscribers

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishRoutesBySession(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	alice, _ := b.Subscribe(ctx, "acme/alice")
	bob, _ := b.Subscribe(ctx, "acme/bob")
	all, _ := b.Subscribe(ctx, AllSessions)

	b.Publish(Event{SessionID: "acme/alice", Kind: KindStatus, Status: "CONNECTED"})

	assert.Equal(t, "CONNECTED", receive(t, alice).Status)
	assert.Equal(t, "acme/alice", receive(t, all).SessionID)
	select {
	case ev := <-bob:
		t.Fatalf("bob received alice's event: %+v", ev)
	default:
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "s1")
	assert.Equal(t, 1, b.SubscriberCount("s1"))

	cancel()
	assert.Eventually(t, func() bool { return b.SubscriberCount("s1") == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "s1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{SessionID: "s1", Kind: KindStatus})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, _ := b.Subscribe(context.Background(), "s1")
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe(context.Background(), "s1")
	_, open = <-late
	assert.False(t, open)
}
