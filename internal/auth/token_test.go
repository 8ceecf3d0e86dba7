// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and role claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing-0123456789")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("ops-bot", RoleOperator, time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	otherToken, err := NewJWTVerifier([]byte("different-secret")).Generate("x", "", time.Hour)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", otherToken},
		{"none algorithm", noneToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("ops-bot", "", -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("", "", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
