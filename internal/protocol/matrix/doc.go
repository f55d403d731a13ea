// Package matrix adapts a Matrix homeserver account to the protocol interfaces
// using mautrix.
//
// # Pairing
//
// A session without credentials gets the homeserver's SSO redirect URL as its
// pairing artifact:
//
//	https://matrix.example.org/_matrix/client/v3/login/sso/redirect?redirectUrl=<callback>
//
// The callback (Options.RedirectURL, with {id} replaced by the escaped session
// id) lands on the gateway's pairing endpoint, which forwards the loginToken
// query parameter to Conn.CompletePairing. That performs an m.login.token
// login and emits the resulting credentials.
//
// # Credentials
//
// The stored blob is a CBOR-encoded Credentials value:
//
//	{1: homeserver, 2: user_id, 3: device_id, 4: access_token}
//
// # Connection Health
//
// After login (or when opened with stored credentials) the connection calls
// whoami and then runs a sync loop. Errors end the connection:
//
//	M_UNKNOWN_TOKEN   -> ReasonLoggedOut (terminal)
//	M_LIMIT_EXCEEDED  -> ReasonRateLimited (cooldown)
//	context canceled  -> no event beyond the local close
//	anything else     -> ReasonConnectionLost (reconnect)
package matrix
