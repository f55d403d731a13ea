// ABOUTME: HTTP route table for the gateway API
// ABOUTME: Operator routes sit behind JWT auth; {id} routes also enforce tenant scope

package gateway

import (
	"net/http"

	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
)

// route is one operator endpoint.
type route struct {
	pattern string
	handler http.HandlerFunc
	// scoped routes carry an {id} wildcard checked against the operator's tenant
	scoped bool
	// admin routes require an operator not bound to a tenant
	admin bool
}

func (g *Gateway) operatorRoutes() []route {
	routes := []route{
		{pattern: "GET /sessions", handler: g.handleListSessions},
		{pattern: "POST /sessions/{id}/start", handler: g.handleStart, scoped: true},
		{pattern: "GET /sessions/{id}/status", handler: g.handleStatus, scoped: true},
		{pattern: "GET /sessions/{id}/pairing-artifact", handler: g.handlePairingArtifact, scoped: true},
		{pattern: "POST /sessions/{id}/pairing", handler: g.handleCompletePairing, scoped: true},
		{pattern: "GET /sessions/{id}/token", handler: g.handleToken, scoped: true},
		{pattern: "GET /sessions/{id}/events", handler: g.handleSessionEvents, scoped: true},
		{pattern: "GET /sessions/{id}/history", handler: g.handleHistory, scoped: true},
		{pattern: "DELETE /sessions/{id}", handler: g.handleReset, scoped: true},
	}

	if g.loopback != nil {
		routes = append(routes,
			route{pattern: "POST /debug/loopback/sessions/{id}/disconnect", handler: g.handleLoopbackDisconnect, admin: true},
			route{pattern: "GET /debug/loopback/messages", handler: g.handleLoopbackMessages, admin: true},
		)
	}
	return routes
}

// registerRoutes installs every endpoint on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Session tokens authorize sends; operator auth does not apply
	mux.HandleFunc("POST /messages", g.handleSendMessage)

	// SSO redirects come from the end user's browser carrying a one-time login token
	if g.config.Protocol.Driver == config.ProtocolMatrix {
		mux.HandleFunc("GET /sessions/{id}/pairing/sso", g.handleSSOCallback)
	}

	// A nil *JWTVerifier must not become a non-nil interface
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier, g.logger)
	adminMiddleware := auth.RequireAdminHTTP()

	for _, rt := range g.operatorRoutes() {
		var h http.Handler = rt.handler
		if rt.scoped {
			h = auth.RequireSessionScope(rt.handler)
		}
		if rt.admin {
			h = adminMiddleware(h)
		}
		mux.Handle(rt.pattern, authMiddleware(h))
	}

	if g.verifier != nil {
		g.logger.Info("HTTP operator auth enabled")
	}
}
