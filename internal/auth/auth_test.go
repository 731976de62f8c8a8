package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabled(t *testing.T, password string) *Authenticator {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	a, err := NewAuthenticator(Options{
		Enabled:      true,
		Username:     "operator",
		PasswordHash: hash,
		JWTSecret:    "test-secret",
		TokenTTL:     time.Hour,
	})
	require.NoError(t, err)
	return a
}

func TestAuthenticate(t *testing.T) {
	a := newEnabled(t, "s3cret")

	token, exp, err := a.Authenticate("operator", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), exp, 5)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, Issuer, claims.Issuer)

	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("admin", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisabled(t *testing.T) {
	a, err := NewAuthenticator(Options{})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "x")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestNewAuthenticatorValidates(t *testing.T) {
	_, err := NewAuthenticator(Options{Enabled: true, Username: "operator", PasswordHash: "plaintext"})
	assert.ErrorContains(t, err, "bcrypt")

	_, err = NewAuthenticator(Options{Enabled: true})
	assert.ErrorContains(t, err, "username")

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestTokenValidation(t *testing.T) {
	m := NewJWTManager("secret-a", time.Minute)
	token, _, err := m.GenerateToken("operator")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Minute).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong key")

	_, err = m.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.NotEmpty(t, claims.ID)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenWrongIssuer(t *testing.T) {
	claims := &Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = NewJWTManager("k", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRandomSecretAndDefaultExpiry(t *testing.T) {
	a := NewJWTManager("", 0)
	b := NewJWTManager("", 0)
	assert.NotEqual(t, a.secretKey, b.secretKey)
	assert.Equal(t, 24*time.Hour, a.Expiry())
}
