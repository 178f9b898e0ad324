package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndReleaseServerLock(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "arguxai.db")

	lockPath, err := AcquireServerLock(dbPath, "test")
	require.NoError(t, err)
	assert.Equal(t, LockPath(dbPath), lockPath)

	data, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	var lock ServerLock
	require.NoError(t, json.Unmarshal(data, &lock))
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, "test", lock.Version)

	// This process is alive, so a second acquire fails
	_, err = AcquireServerLock(dbPath, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, ReleaseServerLock(lockPath))
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is harmless
	require.NoError(t, ReleaseServerLock(lockPath))
}

func TestStaleServerLockIsReplaced(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "arguxai.db")
	hostname, err := os.Hostname()
	require.NoError(t, err)

	// PIDs are bounded well below this on every supported platform
	stale := ServerLock{Holder: "arguxai-serve", PID: 1 << 30, Hostname: hostname, StartedAt: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(dbPath), data, 0644))

	lockPath, err := AcquireServerLock(dbPath, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ReleaseServerLock(lockPath) })
}

func TestInMemoryDatabaseNeedsNoLock(t *testing.T) {
	lockPath, err := AcquireServerLock(":memory:", "test")
	require.NoError(t, err)
	assert.Empty(t, lockPath)
	assert.NoError(t, ReleaseServerLock(lockPath))
}
