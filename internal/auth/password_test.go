package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassword(t *testing.T) {
	hash, err := HashPassword("classb")
	require.NoError(t, err)
	assert.True(t, passwordMatches("classb", hash))
	assert.False(t, passwordMatches("classa", hash))
	assert.False(t, passwordMatches("classb", "not a hash"))
}

func TestRandomSecret(t *testing.T) {
	a, err := randomSecret(32)
	require.NoError(t, err)
	b, err := randomSecret(32)
	require.NoError(t, err)
	assert.Len(t, a, 44)
	assert.NotEqual(t, a, b)
}
