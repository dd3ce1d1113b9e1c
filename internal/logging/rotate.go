// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const (
	// DefaultMaxSize is the size at which the active log file is rotated (1 MiB).
	DefaultMaxSize = 1 << 20

	// DefaultMaxFiles is the number of rotated generations kept.
	DefaultMaxFiles = 5
)

// RotatingFile is an io.WriteCloser that appends to path and rotates it when
// a write would grow it past MaxSize. Rotated generations are named path.1
// (newest) through path.N (oldest); older ones are deleted. It is safe for
// concurrent use.
type RotatingFile struct {
	path     string
	maxSize  int64
	maxFiles int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenRotating opens (creating if needed) the log file at path. Non-positive
// limits select the defaults.
func OpenRotating(path string, maxSize int64, maxFiles int) (*RotatingFile, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	r := &RotatingFile{path: path, maxSize: maxSize, maxFiles: maxFiles}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the active log file path.
func (r *RotatingFile) Path() string { return r.path }

// Write appends p, rotating first when the file would exceed MaxSize. A
// single record larger than MaxSize is still written to a fresh file.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, fs.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the active file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("inspecting log file: %w", err)
	}
	r.f = f
	r.size = info.Size()
	return nil
}

// rotate shifts path.N-1 -> path.N ... path -> path.1 and reopens path.
func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	r.f = nil

	oldest := r.generation(r.maxFiles)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", oldest, err)
	}
	for i := r.maxFiles - 1; i >= 1; i-- {
		src := r.generation(i)
		if err := os.Rename(src, r.generation(i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rotating %s: %w", src, err)
		}
	}
	if err := os.Rename(r.path, r.generation(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rotating %s: %w", r.path, err)
	}

	return r.open()
}

func (r *RotatingFile) generation(n int) string {
	return r.path + "." + strconv.Itoa(n)
}
