package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenValidatorEmptyTokenDisabled(t *testing.T) {
	v, err := NewTokenValidator("")
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	assert.False(t, v.Validate(""))
	assert.False(t, v.Validate("anything"))
}

func TestTokenValidatorAcceptsConfiguredToken(t *testing.T) {
	v, err := NewTokenValidator("s3cr3t-internal-token")
	require.NoError(t, err)
	assert.True(t, v.Enabled())
	assert.True(t, v.Validate("s3cr3t-internal-token"))
}

func TestTokenValidatorRejectsWrongToken(t *testing.T) {
	v, err := NewTokenValidator("s3cr3t-internal-token")
	require.NoError(t, err)
	assert.False(t, v.Validate("wrong-token"))
	assert.False(t, v.Validate(""))
}
