package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labkeeper/labkeeper/internal/shared"
)

const testSecret = "labkeeper-test-secret-0123456789"

func TestJWTVerifierRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "labkeeper", "labkeeper-api", time.Hour)
	require.NoError(t, err)

	token, expires, err := v.Issue("u-tech", "tech@lab.local")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	cred, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-tech", cred.SubjectID)
	assert.Equal(t, expires.Unix(), cred.Expiry.Unix())
}

func TestJWTVerifierRejects(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "labkeeper", "labkeeper-api", time.Hour)
	require.NoError(t, err)

	other, err := NewJWTVerifier("another-secret-0123456789", "labkeeper", "labkeeper-api", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.Issue("u-admin", "")
	require.NoError(t, err)

	expired, err := NewJWTVerifier(testSecret, "labkeeper", "labkeeper-api", time.Hour)
	require.NoError(t, err)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, err := expired.Issue("u-tech", "")
	require.NoError(t, err)

	foreign, err := NewJWTVerifier(testSecret, "someone-else", "labkeeper-api", time.Hour)
	require.NoError(t, err)
	wrongIssuer, _, err := foreign.Issue("u-tech", "")
	require.NoError(t, err)

	noSubject, _, err := v.Issue("", "")
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u-admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", forged},
		{"expired", stale},
		{"wrong issuer", wrongIssuer},
		{"missing subject", noSubject},
		{"alg none", unsigned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			if !errors.Is(err, shared.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier("short", "", "", time.Hour)
	assert.Error(t, err)
}
