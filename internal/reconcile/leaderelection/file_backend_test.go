package leaderelection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockAcquireRenewRelease(t *testing.T) {
	tmp := t.TempDir()
	fl, err := newFileLock(&Config{LockFilePath: filepath.Join(tmp, "reaper.lock")})
	require.NoError(t, err)

	ctx := context.Background()
	acquired, err := fl.Acquire(ctx, "inst-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Re-acquiring as the same holder before expiry renews rather than
	// being rejected.
	acquired, err = fl.Acquire(ctx, "inst-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, fl.Release(ctx, "inst-1"))
}

func TestFileLockSecondInstanceCannotAcquireLiveLease(t *testing.T) {
	tmp := t.TempDir()
	lockPath := filepath.Join(tmp, "reaper.lock")
	fl, err := newFileLock(&Config{LockFilePath: lockPath})
	require.NoError(t, err)

	ctx := context.Background()
	acquired, err := fl.Acquire(ctx, "inst-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = fl.Acquire(ctx, "inst-2", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "a second instance must not acquire a lease still held by another")
}

func TestFileLockExpiredLeaseCanBeTakenOver(t *testing.T) {
	tmp := t.TempDir()
	lockPath := filepath.Join(tmp, "reaper.lock")
	fl, err := newFileLock(&Config{LockFilePath: lockPath})
	require.NoError(t, err)

	ctx := context.Background()
	acquired, err := fl.Acquire(ctx, "inst-1", -1*time.Second)
	require.NoError(t, err)
	require.True(t, acquired, "the first claimant always acquires the empty lease")

	acquired, err = fl.Acquire(ctx, "inst-2", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "a stale/expired lease must be takeable by a different holder")
}

func TestFileLockReleaseOnlyClearsOwnLease(t *testing.T) {
	tmp := t.TempDir()
	lockPath := filepath.Join(tmp, "reaper.lock")
	fl, err := newFileLock(&Config{LockFilePath: lockPath})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = fl.Acquire(ctx, "inst-1", 15*time.Second)
	require.NoError(t, err)

	require.NoError(t, fl.Release(ctx, "inst-2"))

	acquired, err := fl.Acquire(ctx, "inst-2", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "releasing with a non-owning holder id must not clear the lease")
}

func TestNewFileLockRequiresLockPath(t *testing.T) {
	_, err := newFileLock(&Config{})
	require.Error(t, err)
}
