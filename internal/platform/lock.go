// Package platform holds OS specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked indicates another process holds the lock file.
var ErrLocked = errors.New("lock is held by another process")

// FileLock is an exclusive advisory lock on a file. The lock is dropped by the OS when the
// process exits.
type FileLock struct {
	path string
	file *os.File
}

// LockFile takes an exclusive lock on path without blocking, creating the file and its
// directory as needed.
func LockFile(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is derived from the history database location.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()

		return nil, err
	}

	return &FileLock{path: cleanPath, file: file}, nil
}

func (l *FileLock) Path() string {
	return l.path
}

// Release unlocks and closes the file. It is safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}

	return nil
}
