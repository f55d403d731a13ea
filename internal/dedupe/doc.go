// Package dedupe provides the replay cache for idempotent message sends.
//
// # Overview
//
// A client that retries POST /messages with the same idempotency key must not
// deliver the message twice. The gateway claims the key before sending:
//
//	id, state := cache.Claim(key)
//	switch state {
//	case dedupe.Completed:  // answer with the recorded id
//	case dedupe.InFlight:   // another request is sending it right now
//	case dedupe.Claimed:    // send, then Complete(key, id) or Release(key)
//	}
//
// # Eviction
//
// Entries expire after the TTL and the cache holds at most maxSize entries,
// evicting the oldest first using a doubly linked list (O(1) eviction). A
// background goroutine sweeps expired entries every minute until Close.
package dedupe
