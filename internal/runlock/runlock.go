// Package runlock serializes engine runs with an advisory file lock.
package runlock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held run lock. Release it with Unlock.
type Lock struct {
	file *os.File
}

// Acquire takes the advisory lock at path without blocking. A second
// concurrent run fails immediately rather than queueing behind a
// mount pass already in flight.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another instance is already running")
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return &Lock{file: f}, nil
}

// Unlock releases the lock. The lock file is left in place; the flock
// itself is what gates concurrent runs.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return l.file.Close()
}
