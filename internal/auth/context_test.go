// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests tenant scoping and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_CanAccess(t *testing.T) {
	tests := []struct {
		name      string
		tenant    string
		sessionID string
		want      bool
	}{
		{name: "admin any id", tenant: "", sessionID: "anything", want: true},
		{name: "admin namespaced id", tenant: "", sessionID: "acme/alice", want: true},
		{name: "own tenant", tenant: "acme", sessionID: "acme/alice", want: true},
		{name: "nested id", tenant: "acme", sessionID: "acme/team/alice", want: true},
		{name: "other tenant", tenant: "acme", sessionID: "globex/alice", want: false},
		{name: "prefix lookalike", tenant: "acme", sessionID: "acmecorp/alice", want: false},
		{name: "bare tenant", tenant: "acme", sessionID: "acme", want: false},
		{name: "empty user", tenant: "acme", sessionID: "acme/", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AuthContext{Subject: "ops", Tenant: tt.tenant}
			if got := a.CanAccess(tt.sessionID); got != tt.want {
				t.Errorf("CanAccess(%q) = %v, want %v", tt.sessionID, got, tt.want)
			}
		})
	}
}

func TestWithAuthAndFromContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Fatal("FromContext() on empty context should be nil")
	}

	want := &AuthContext{Subject: "ops", Tenant: "acme"}
	got := FromContext(WithAuth(ctx, want))
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without an AuthContext")
		}
	}()
	MustFromContext(context.Background())
}
