// Package events fans out session lifecycle events to in-process subscribers.
//
// # Overview
//
// The coordinator publishes an Event on every status transition and every new
// pairing artifact. Subscribers register for one session id, or for AllSessions:
//
//	ch, _ := b.Subscribe(ctx, "acme/alice")
//	for ev := range ch { ... }
//
// Consumers:
//
//   - Coordinator.PairingArtifact waits on a subscription instead of polling
//   - the gateway's SSE endpoint streams a session's events to HTTP clients
//   - the gRPC health reporter follows AllSessions to keep serving status current
//
// Publish never blocks; a slow subscriber loses events rather than stalling a
// session. Subscriptions end when their context is cancelled.
package events
