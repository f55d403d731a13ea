// Package auth authenticates gateway operators.
//
// # Operator Tokens
//
// Operators call the session management API with HS256 JWTs signed with the
// configured auth.jwt_secret (at least 32 bytes). Tokens carry:
//
//   - sub: the operator's name, used in logs
//   - tenant: optional; restricts the operator to session ids "<tenant>/..."
//   - exp, iat: standard expiry
//
// Mint one with:
//
//	tether-gateway operator-token --subject ops --tenant acme --ttl 720h
//
// Session tokens handed out by the coordinator are a different thing: they
// authorize sends on one session's connection and are checked by the
// session package, not here.
//
// # HTTP
//
// HTTPAuthMiddleware verifies the bearer token and stores an AuthContext in
// the request context. RequireSessionScope guards routes with an {id}
// wildcard. When no secret is configured the middleware installs an
// anonymous admin context.
//
// # gRPC
//
// UnaryInterceptor and StreamInterceptor read "authorization: Bearer <jwt>"
// from metadata. Methods listed in InterceptorConfig.PublicMethods (the
// health service by default) skip the check.
package auth
