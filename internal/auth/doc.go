// Package auth authenticates gateway clients.
//
// # Modes
//
// The connect handshake carries an optional {token, password} pair. The
// Authenticator checks it according to auth.mode:
//
//   - "none": every client is accepted (loopback development setups).
//   - "token": the token must equal the configured shared token.
//   - "password": the password must match the configured bcrypt hash.
//   - "jwt": the token must be an HS256 JWT signed with auth.jwt_secret.
//
// Shared secrets are compared in constant time.
//
// # Context
//
// A successful check yields an AuthContext that the gateway attaches to the
// connection's context:
//
//	ctx = auth.WithAuth(ctx, authCtx)
//	who := auth.FromContext(ctx)
//
// # HTTP
//
// RequireHTTP guards plain HTTP endpoints with the same Authenticator,
// reading "Authorization: Bearer <token>".
package auth
