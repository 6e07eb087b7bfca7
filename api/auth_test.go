package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/appointment-engine/booking"
)

var tokenUser = booking.User{ID: "u-1", Email: "sam@mail.test", Role: booking.RoleProvider}

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", "appointment-engine", time.Hour)

	raw, err := tm.Generate(tokenUser)
	require.NoError(t, err)
	claims, err := tm.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, Claims{UserID: "u-1", Role: booking.RoleProvider, Email: "sam@mail.test"}, claims)
}

func TestTokenManager_Rejects(t *testing.T) {
	tm := NewTokenManager("secret", "appointment-engine", time.Hour)

	expired := NewTokenManager("secret", "appointment-engine", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, err := expired.Generate(tokenUser)
	require.NoError(t, err)

	otherIssuer, err := NewTokenManager("secret", "someone-else", time.Hour).Generate(tokenUser)
	require.NoError(t, err)

	otherSecret, err := NewTokenManager("not-the-secret", "appointment-engine", time.Hour).Generate(tokenUser)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "appointment-engine",
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "appointment-engine",
		"sub": "u-1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "appointment-engine",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expiredToken,
		"other issuer": otherIssuer,
		"other secret": otherSecret,
		"alg none":     unsigned,
		"no expiry":    noExpiry,
		"no subject":   noSubject,
		"garbage":      "a.b.c",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tm.Parse(raw)
			assert.Error(t, err)
		})
	}
}

func TestRequireUser(t *testing.T) {
	tm := NewTokenManager("secret", "appointment-engine", time.Hour)
	raw, err := tm.Generate(tokenUser)
	require.NoError(t, err)

	var seen Claims
	h := tm.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"bearer", "Bearer " + raw, http.StatusNoContent},
		{"lowercase scheme", "bearer " + raw, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Claims{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, booking.UserID("u-1"), seen.UserID)
			}
		})
	}
}

func TestClaimsFrom_Empty(t *testing.T) {
	_, ok := ClaimsFrom(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
