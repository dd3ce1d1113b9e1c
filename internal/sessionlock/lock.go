// SPDX-License-Identifier: MPL-2.0

// Package sessionlock provides an exclusive, installation-scoped lock that
// guards against two update sessions mutating the same installation. The
// lock is an OS advisory lock (flock on Unix, LockFileEx on Windows) held on
// a lock file in the installation root, so it is released automatically if
// the holder crashes.
package sessionlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileName is the lock file created in the installation root.
const FileName = ".bpm-update.lock"

// ErrLocked indicates another session holds the lock.
var ErrLocked = errors.New("installation is locked by another update session")

type (
	// Lock is a held installation lock. Release it exactly once.
	Lock struct {
		f    *os.File
		path string
	}

	// LockedError wraps ErrLocked with the holder information recorded in
	// the lock file, when readable.
	LockedError struct {
		Path   string
		Holder string
	}
)

// Error implements error.
func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s: %s", ErrLocked.Error(), e.Path)
	}
	return fmt.Sprintf("%s: %s (held by %s)", ErrLocked.Error(), e.Path, e.Holder)
}

// Unwrap returns ErrLocked.
func (e *LockedError) Unwrap() error { return ErrLocked }

// Path returns the lock file path for an installation root.
func Path(installRoot string) string {
	return filepath.Join(installRoot, FileName)
}

// Acquire takes the exclusive lock for installRoot without blocking. owner is
// written into the lock file for diagnostics (typically a session ID).
func Acquire(installRoot, owner string) (*Lock, error) {
	p := Path(installRoot)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			holder, _ := os.ReadFile(p) //nolint:errcheck // Best-effort diagnostics.
			return nil, &LockedError{Path: p, Holder: string(holder)}
		}
		return nil, fmt.Errorf("locking %s: %w", p, err)
	}

	info := "pid=" + strconv.Itoa(os.Getpid()) + " owner=" + owner + " since=" + time.Now().UTC().Format(time.RFC3339)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(info), 0)
	}

	return &Lock{f: f, path: p}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the lock file. The file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	return closeErr
}
