package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCacheIsNoOp(t *testing.T) {
	c, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))
	require.NoError(t, c.Delete(context.Background(), "k"))

	var out string
	err = c.Get(context.Background(), "k", &out)
	assert.Error(t, err)
}

func TestEmptyURLDisablesCache(t *testing.T) {
	c, err := New(Config{Enabled: true, URL: ""})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())
}

func TestActivityCacheMissOnDisabledCache(t *testing.T) {
	c, err := New(Config{Enabled: false})
	require.NoError(t, err)
	a := NewActivityCache(c)

	_, ok := a.Get(context.Background(), "s1")
	assert.False(t, ok)
	require.NoError(t, a.Touch(context.Background(), "s1", time.Now()))
	require.NoError(t, a.Evict(context.Background(), "s1"))
}
