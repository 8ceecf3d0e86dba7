// ABOUTME: JWT verification for the jwt auth mode
// ABOUTME: HS256 tokens carrying a subject and an optional role claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the JWT claims the gateway issues and accepts.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies and issues HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Verify validates the token and returns its claims. The subject claim is required.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims, nil
}

// Generate issues a token for subject with the given role, expiring after expiresIn.
func (v *JWTVerifier) Generate(subject, role string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
