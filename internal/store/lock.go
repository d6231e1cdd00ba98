package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrInUse is returned when another process (or another handle in this
// process) holds the lock of a partition directory.
var ErrInUse = errors.New("store: partition directory in use")

// DirectoryLock provides exclusive access to a partition directory.
//
// The lock is a flock(2) on a ".lock" file inside the directory. It is taken
// non-blocking, so a second opener fails immediately instead of waiting for
// the holder to go away.
type DirectoryLock struct {
	lockFilePath string
	lockFile     *os.File
}

// NewDirectoryLock creates a lock for dir. The directory is created on Lock.
func NewDirectoryLock(dir string) *DirectoryLock {
	return &DirectoryLock{
		lockFilePath: filepath.Join(dir, ".lock"),
	}
}

// Lock acquires the lock. It returns an error wrapping ErrInUse if the
// directory is locked by someone else.
func (l *DirectoryLock) Lock() error {
	if l.lockFile != nil {
		return fmt.Errorf("lock already held by this instance")
	}

	if err := os.MkdirAll(filepath.Dir(l.lockFilePath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", ErrInUse, filepath.Dir(l.lockFilePath))
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	l.lockFile = file
	return nil
}

// Unlock releases the lock. The lock file itself stays on disk; removing it
// would race with a concurrent opener that already holds a descriptor.
func (l *DirectoryLock) Unlock() error {
	if l.lockFile == nil {
		return nil
	}

	file := l.lockFile
	l.lockFile = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether this instance holds the lock.
func (l *DirectoryLock) IsLocked() bool {
	return l.lockFile != nil
}
