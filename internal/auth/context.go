// ABOUTME: Authentication context carried by each gateway connection
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Roles a connection can hold.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// AuthContext is the identity established during the connect handshake.
type AuthContext struct {
	Subject string // token subject, or the client id for shared-secret modes
	Method  string // auth mode that accepted the client
	Role    string
}

// IsOperator reports whether the connection may call operator methods.
func (a *AuthContext) IsOperator() bool {
	return a != nil && (a.Role == "" || a.Role == RoleOperator)
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
