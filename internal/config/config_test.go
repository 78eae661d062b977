package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sandboxctl")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, s.Backend)
	assert.True(t, s.DisableBwrap)
	assert.Equal(t, int(300), int(s.DefaultTimeout.Seconds()))
	assert.Equal(t, int(30), int(s.IdleThreshold.Minutes()))
	assert.False(t, s.IdleThresholdUnset)
}

func TestLoadIdleThresholdSentinelDisables(t *testing.T) {
	t.Setenv("IDLE_THRESHOLD_MINUTES", "-1")
	s, err := Load()
	require.NoError(t, err)
	assert.True(t, s.IdleThresholdUnset)
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv("DEFAULT_TIMEOUT", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadBackend(t *testing.T) {
	t.Setenv("CONTAINER_BACKEND", "carrier-pigeon")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsRedisLeaderWithoutURL(t *testing.T) {
	t.Setenv("RECONCILER_LEADER_BACKEND", "redis")
	_, err := Load()
	assert.Error(t, err)
}
