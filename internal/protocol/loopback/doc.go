// Package loopback is an in-process protocol network.
//
// # Overview
//
// Network implements protocol.Dialer without any I/O. It behaves like a small
// messaging service that the gateway talks to:
//
//   - connections opened without registered credentials emit a pairing code and
//     rotate it every CodeRotation until paired
//   - CompletePairing with the current code emits fresh credentials and opens
//   - connections opened with registered credentials open immediately
//   - sent messages are recorded and can be inspected
//
// Tests and the development profile drive it through control methods:
//
//	net.Hold(id)                                // delay EventOpened for id
//	net.Disconnect(id, protocol.ReasonRateLimited)
//	net.Kill(id)                                // transport dies silently
//	net.RejectCredentials(id, true)             // stored credentials stop working
//	net.FailSends(id, err)
//
// The gateway exposes Disconnect over HTTP when the loopback driver is active
// so operators can exercise the cooldown and reconnect paths by hand.
package loopback
