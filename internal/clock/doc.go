// Package clock abstracts time for the session coordinator.
//
// # Overview
//
// Cooldown windows and reconnect backoff are the only time-dependent behaviour in
// the gateway. Both go through the Clock interface so tests can drive them with a
// Fake clock instead of sleeping:
//
//	fc := clock.NewFake(time.Unix(1700000000, 0))
//	fc.AfterFunc(time.Second, retry)
//	fc.Advance(time.Second) // retry runs here, synchronously
//
// Real() returns the wall clock backed by the time package.
package clock
