package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ServerLock is the lock file format that marks a SQLite database as owned
// by a running API server. Each server keeps a write-through issue cache, so
// two servers on one file would serve diverging issue state.
type ServerLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// ErrLocked is returned when another live server holds the database
var ErrLocked = errors.New("database is locked by another server")

// LockPath returns the lock file used for dbPath
func LockPath(dbPath string) string {
	return dbPath + ".lock"
}

// AcquireServerLock creates the lock file next to dbPath.
// A lock left behind by a dead process on this host is replaced.
// Returns the lock file path for cleanup on shutdown.
func AcquireServerLock(dbPath, version string) (lockPath string, err error) {
	if dbPath == "" || dbPath == ":memory:" {
		return "", nil
	}
	lockPath = LockPath(dbPath)

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing ServerLock
		if json.Unmarshal(data, &existing) == nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("%w (PID %d on %s, started %s)",
				ErrLocked, existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale lock - will overwrite
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := ServerLock{
		Holder:    "arguxai-serve",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create server lock: %w", err)
	}
	return lockPath, nil
}

// ReleaseServerLock removes the lock file. An empty path is a no-op.
func ReleaseServerLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove server lock: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid exists on hostname.
// Processes on other hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence (Unix: kill -0)
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else
	return errors.Is(err, syscall.EPERM)
}
