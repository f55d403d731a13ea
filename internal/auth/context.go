// ABOUTME: Authentication context for tracking operator identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and the tenant scope check for session ids

package auth

import (
	"context"
	"strings"
)

// AuthContext holds the authenticated operator extracted from a request.
type AuthContext struct {
	Subject string
	Tenant  string // empty for operators that may manage every session
}

// IsAdmin reports whether the operator is not restricted to a tenant.
func (a *AuthContext) IsAdmin() bool {
	return a.Tenant == ""
}

// CanAccess reports whether the operator may manage sessionID.
// Tenant-scoped operators only reach ids of the form "<tenant>/...".
func (a *AuthContext) CanAccess(sessionID string) bool {
	if a.IsAdmin() {
		return true
	}
	rest, ok := strings.CutPrefix(sessionID, a.Tenant+"/")
	return ok && rest != ""
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

// Anonymous is the context installed when operator auth is disabled.
var Anonymous = &AuthContext{Subject: "anonymous"}
