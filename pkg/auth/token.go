package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Response field names tried in order when extracting tokens. Auth
// backends disagree on naming.
var (
	accessTokenFields  = []string{"access_token", "accessToken", "token", "jwt"}
	refreshTokenFields = []string{"refresh_token", "refreshToken", "refresh"}
)

// token holds one authenticated session's credentials.
type token struct {
	access  string
	refresh string

	// expiresAt is zero when the backend gave no expiry information;
	// such tokens are treated as valid forever.
	expiresAt time.Time
}

// expired reports whether the access token is within buffer of expiry.
func (t *token) expired(buffer time.Duration) bool {
	if t == nil || t.expiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.expiresAt.Add(-buffer))
}

// tokenFromResponse extracts tokens from a login or refresh response.
// Expiry comes from "expires_in" when present, otherwise from the exp
// claim of the access token itself.
func tokenFromResponse(data map[string]any) (*token, error) {
	t := &token{}
	for _, field := range accessTokenFields {
		if s, ok := data[field].(string); ok && s != "" {
			t.access = s
			break
		}
	}
	if t.access == "" {
		return nil, errors.New("response contains no access token")
	}

	for _, field := range refreshTokenFields {
		if s, ok := data[field].(string); ok && s != "" {
			t.refresh = s
			break
		}
	}

	if seconds, ok := numberField(data, "expires_in"); ok {
		t.expiresAt = time.Now().Add(time.Duration(seconds) * time.Second)
	} else {
		t.expiresAt = jwtExpiry(t.access)
	}
	return t, nil
}

// jwtExpiry reads the exp claim without verifying the signature. The
// token is the backend's, not ours; we only need the deadline.
func jwtExpiry(tokenString string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func numberField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
