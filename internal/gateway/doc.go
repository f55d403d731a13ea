// Package gateway wires the tether-gateway server components together.
//
// # Overview
//
// The Gateway owns the credential store, the session coordinator, the event
// broadcaster, the send replay cache and the HTTP and gRPC servers. It is
// built from a config.Config and runs until its context is cancelled or a
// termination signal arrives.
//
// # HTTP API
//
// Operator routes (JWT when auth.jwt_secret is set, tenant-scoped per {id}):
//
//   - POST /sessions/{id}/start - Start or resume a session (202, 429 while cooling down)
//   - GET /sessions/{id}/status - Current session view
//   - GET /sessions/{id}/pairing-artifact?wait=5s - Current pairing code
//   - POST /sessions/{id}/pairing - Out-of-band pairing confirmation
//   - GET /sessions/{id}/token - Session bearer token once CONNECTED
//   - GET /sessions/{id}/events - SSE lifecycle stream
//   - GET /sessions/{id}/history - Audited transitions
//   - GET /sessions - All sessions visible to the operator
//   - DELETE /sessions/{id} - Idempotent reset
//
// Unauthenticated routes:
//
//   - POST /messages - Send text using a session token
//   - GET /sessions/{id}/pairing/sso - Matrix SSO redirect target
//   - GET /health, GET /health/ready
//
// Session ids containing "/" must be path-escaped (acme%2Falice).
//
// # SSE Streaming
//
// The events stream opens with the current status and relays every
// transition and pairing code for the session:
//
//	event: status
//	data: {"session_id":"alice","kind":"status","status":"CONNECTED",...}
//
//	event: pairing_code
//	data: {"session_id":"alice","kind":"pairing_code","pairing_code":"..."}
//
// # gRPC
//
// When server.grpc_addr is set the gateway serves grpc.health.v1.Health.
// The service name "session/<id>" is SERVING while that session is CONNECTED
// and "" reports the gateway itself. Health probes never require a token.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
//	cancel()
//	gw.Shutdown(shutdownCtx)
package gateway
