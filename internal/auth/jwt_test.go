package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/config"
)

func newManager(t *testing.T, secret string) *JWTManager {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	m, err := NewJWTManager(
		config.JWTConfig{Secret: secret, AccessTokenTTL: time.Hour, Issuer: "lorawan-classb"},
		config.APIConfig{AdminUser: "admin", AdminPasswordHash: hash},
	)
	require.NoError(t, err)
	return m
}

func TestLogin(t *testing.T) {
	m := newManager(t, "key")

	_, _, err := m.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = m.Login("root", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expires, err := m.Login("admin", "s3cret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.True(t, claims.IsAdmin())
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	token, _, err := newManager(t, "one").GenerateToken("viewer", RoleReader)
	require.NoError(t, err)

	_, err = newManager(t, "two").ValidateToken(token)
	assert.Error(t, err)

	claims, err := newManager(t, "one").ValidateToken(token)
	require.NoError(t, err)
	assert.False(t, claims.IsAdmin())
}

func TestGeneratedSecret(t *testing.T) {
	a := newManager(t, "")
	b := newManager(t, "")
	token, _, err := a.GenerateToken("viewer", RoleReader)
	require.NoError(t, err)
	_, err = a.ValidateToken(token)
	assert.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

func TestNoAdminPasswordDisablesLogin(t *testing.T) {
	m, err := NewJWTManager(config.JWTConfig{Secret: "key", AccessTokenTTL: time.Hour}, config.APIConfig{AdminUser: "admin"})
	require.NoError(t, err)
	_, _, err = m.Login("admin", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
