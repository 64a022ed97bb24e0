package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedJWT(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "u-1", "exp": float64(expiresAt.Unix())}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestTokenFromResponseFieldNames(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{name: "access_token", data: map[string]any{"access_token": "a1"}},
		{name: "accessToken", data: map[string]any{"accessToken": "a1"}},
		{name: "token", data: map[string]any{"token": "a1"}},
		{name: "jwt", data: map[string]any{"jwt": "a1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := tokenFromResponse(tt.data)
			require.NoError(t, err)
			assert.Equal(t, "a1", tok.access)
		})
	}
}

func TestTokenFromResponseRefreshNames(t *testing.T) {
	for _, field := range []string{"refresh_token", "refreshToken", "refresh"} {
		t.Run(field, func(t *testing.T) {
			tok, err := tokenFromResponse(map[string]any{"access_token": "a1", field: "r1"})
			require.NoError(t, err)
			assert.Equal(t, "r1", tok.refresh)
		})
	}
}

func TestTokenFromResponseMissingAccess(t *testing.T) {
	_, err := tokenFromResponse(map[string]any{"refresh_token": "r1"})
	require.Error(t, err)
}

func TestTokenFromResponseExpiresIn(t *testing.T) {
	tok, err := tokenFromResponse(map[string]any{"access_token": "a1", "expires_in": int64(3600)})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.expiresAt, 2*time.Second)
}

func TestTokenFromResponseJWTExpiry(t *testing.T) {
	expiresAt := time.Now().Add(45 * time.Minute)
	tok, err := tokenFromResponse(map[string]any{"access_token": signedJWT(t, expiresAt)})
	require.NoError(t, err)
	assert.WithinDuration(t, expiresAt, tok.expiresAt, time.Second)
}

func TestTokenFromResponseOpaqueToken(t *testing.T) {
	// Not a JWT and no expires_in: no expiry information at all.
	tok, err := tokenFromResponse(map[string]any{"access_token": "opaque-string"})
	require.NoError(t, err)
	assert.True(t, tok.expiresAt.IsZero())
}

func TestTokenExpired(t *testing.T) {
	buffer := 30 * time.Second

	var nilToken *token
	assert.False(t, nilToken.expired(buffer))

	assert.False(t, (&token{access: "a"}).expired(buffer), "unknown expiry never expires")
	assert.True(t, (&token{access: "a", expiresAt: time.Now().Add(10 * time.Second)}).expired(buffer))
	assert.True(t, (&token{access: "a", expiresAt: time.Now().Add(-time.Minute)}).expired(buffer))
	assert.False(t, (&token{access: "a", expiresAt: time.Now().Add(10 * time.Minute)}).expired(buffer))
}
