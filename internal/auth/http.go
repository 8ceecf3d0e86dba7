// ABOUTME: HTTP middleware applying the connect authenticator to plain HTTP endpoints
// ABOUTME: Extracts a bearer token from the Authorization header

package auth

import (
	"net/http"
	"strings"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireHTTP rejects requests whose bearer credential the authenticator
// does not accept. In none mode every request passes. In password mode the
// bearer value is checked as the password.
func RequireHTTP(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.Mode() == ModeNone {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Method: ModeNone, Role: RoleOperator})))
				return
			}

			secret, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}
			creds := &protocol.AuthParams{Token: secret}
			if a.Mode() == ModePassword {
				creds = &protocol.AuthParams{Password: secret}
			}
			authCtx, err := a.Authenticate(creds, protocol.ClientInfo{ID: "http"}, RoleOperator)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
