// ABOUTME: Connect-handshake authentication for none, token, password and jwt modes
// ABOUTME: Passwords are checked against a bcrypt hash; shared tokens in constant time

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// Auth modes.
const (
	ModeNone     = "none"
	ModeToken    = "token"
	ModePassword = "password"
	ModeJWT      = "jwt"
)

var (
	// ErrUnauthorized is returned when credentials are missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMisconfigured is returned by NewAuthenticator for unusable settings.
	ErrMisconfigured = errors.New("auth misconfigured")
)

// Settings configures an Authenticator.
type Settings struct {
	Mode         string
	Token        string
	PasswordHash string
	JWTSecret    string
}

// Authenticator checks handshake credentials.
type Authenticator struct {
	mode         string
	token        []byte
	passwordHash []byte
	jwt          *JWTVerifier
}

// NewAuthenticator validates s and builds an Authenticator.
func NewAuthenticator(s Settings) (*Authenticator, error) {
	mode := strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "" {
		mode = ModeNone
	}
	a := &Authenticator{mode: mode}

	switch mode {
	case ModeNone:
	case ModeToken:
		if s.Token == "" {
			return nil, fmt.Errorf("%w: auth.token is required for token mode", ErrMisconfigured)
		}
		a.token = []byte(s.Token)
	case ModePassword:
		if s.PasswordHash == "" {
			return nil, fmt.Errorf("%w: auth.password_hash is required for password mode", ErrMisconfigured)
		}
		if _, err := bcrypt.Cost([]byte(s.PasswordHash)); err != nil {
			return nil, fmt.Errorf("%w: auth.password_hash is not a bcrypt hash: %v", ErrMisconfigured, err)
		}
		a.passwordHash = []byte(s.PasswordHash)
	case ModeJWT:
		if len(s.JWTSecret) < 32 {
			return nil, fmt.Errorf("%w: auth.jwt_secret must be at least 32 bytes", ErrMisconfigured)
		}
		a.jwt = NewJWTVerifier([]byte(s.JWTSecret))
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrMisconfigured, s.Mode)
	}
	return a, nil
}

// Mode returns the configured mode.
func (a *Authenticator) Mode() string {
	return a.mode
}

// Authenticate checks the credentials presented in a connect request.
func (a *Authenticator) Authenticate(creds *protocol.AuthParams, client protocol.ClientInfo, role string) (*AuthContext, error) {
	var token, password string
	if creds != nil {
		token, password = creds.Token, creds.Password
	}
	if role == "" {
		role = RoleOperator
	}
	subject := client.ID

	switch a.mode {
	case ModeNone:
		return &AuthContext{Subject: subject, Method: ModeNone, Role: role}, nil

	case ModeToken:
		if token == "" {
			return nil, fmt.Errorf("%w: token missing", ErrUnauthorized)
		}
		if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
			return nil, fmt.Errorf("%w: token mismatch", ErrUnauthorized)
		}
		return &AuthContext{Subject: subject, Method: ModeToken, Role: role}, nil

	case ModePassword:
		if password == "" {
			return nil, fmt.Errorf("%w: password missing", ErrUnauthorized)
		}
		if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
			return nil, fmt.Errorf("%w: password mismatch", ErrUnauthorized)
		}
		return &AuthContext{Subject: subject, Method: ModePassword, Role: role}, nil

	case ModeJWT:
		if token == "" {
			return nil, fmt.Errorf("%w: token missing", ErrUnauthorized)
		}
		claims, err := a.jwt.Verify(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if claims.Role != "" {
			role = claims.Role
		}
		return &AuthContext{Subject: claims.Subject, Method: ModeJWT, Role: role}, nil
	}
	return nil, ErrUnauthorized
}

// IssueToken signs a JWT for subject. It fails unless the mode is jwt.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if a.jwt == nil {
		return "", fmt.Errorf("%w: token issuing requires jwt mode", ErrMisconfigured)
	}
	return a.jwt.Generate(subject, role, ttl)
}

// HashPassword returns a bcrypt hash suitable for auth.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
