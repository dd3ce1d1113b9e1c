// SPDX-License-Identifier: MPL-2.0

// Package backup snapshots an installation tree before it is modified and
// manages the retention of those snapshots.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bprojman/bpm-update/internal/logging"
	"github.com/bprojman/bpm-update/internal/pathmatch"
)

const (
	// DirPrefix starts every snapshot directory name.
	DirPrefix = "backup_"

	// TimeLayout formats the snapshot timestamp suffix.
	TimeLayout = "20060102_150405"

	// DefaultDir is the snapshot parent, relative to the installation root.
	DefaultDir = "backups"

	// DefaultKeep is the number of snapshots retained by Prune.
	DefaultKeep = 3
)

var (
	// ErrEmpty is returned when a snapshot contains no files.
	ErrEmpty = errors.New("backup snapshot is empty")

	// ErrIncomplete is returned when a file that must be in the snapshot is
	// missing or differs in size.
	ErrIncomplete = errors.New("backup snapshot is incomplete")

	// DefaultExcludes covers the interpreter environment, logs, local user
	// settings and prior snapshots.
	//nolint:gochecknoglobals // Read-only defaults.
	DefaultExcludes = []string{
		".venv",
		"venv",
		"python",
		"__pycache__",
		"*.pyc",
		"logs",
		"*.log",
		"settings.json",
		"backups",
		".bpm-update.lock",
	}
)

type (
	// Options configures a Manager.
	Options struct {
		// Dir is the snapshot parent; relative paths are resolved against the
		// installation root.
		Dir      string
		Excludes []string
		Keep     int
		Logger   *log.Logger
		// Now overrides the clock for snapshot naming.
		Now func() time.Time
	}

	// Manager creates, lists and prunes snapshots of one installation.
	Manager struct {
		root     string
		dir      string
		excludes *pathmatch.Set
		keep     int
		logger   *log.Logger
		now      func() time.Time
	}

	// Snapshot describes one backup directory.
	Snapshot struct {
		Path      string
		CreatedAt time.Time
		Files     int
		Bytes     int64
	}
)

// NewManager validates the exclusion patterns and returns a Manager for root.
func NewManager(root string, opts Options) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving installation root: %w", err)
	}

	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(absRoot, dir)
	}

	patterns := opts.Excludes
	if patterns == nil {
		patterns = DefaultExcludes
	}
	excludes, err := pathmatch.Compile(patterns)
	if err != nil {
		return nil, fmt.Errorf("compiling backup excludes: %w", err)
	}

	m := &Manager{
		root:     absRoot,
		dir:      dir,
		excludes: excludes,
		keep:     opts.Keep,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.keep <= 0 {
		m.keep = DefaultKeep
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Dir returns the snapshot parent directory.
func (m *Manager) Dir() string { return m.dir }

// Excludes returns the compiled exclusion set.
func (m *Manager) Excludes() *pathmatch.Set { return m.excludes }

// Snapshot copies the installation tree into a new timestamped directory,
// skipping excluded paths. Paths in include are copied even when an
// exclusion matches them, so every file an update will replace is always
// recoverable. The result is verified before it is returned; on any failure
// the partial snapshot is removed.
func (m *Manager) Snapshot(ctx context.Context, include []string) (_ *Snapshot, err error) {
	createdAt := m.now()
	dst, err := m.newSnapshotDir(createdAt)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dst); rmErr != nil {
				m.logger.Warn("failed to remove partial backup", "dir", dst, "err", rmErr)
			}
		}
	}()

	snap := &Snapshot{Path: dst, CreatedAt: createdAt}
	copied := make(map[string]bool)

	walkErr := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == m.dir || (d.IsDir() && isWithin(p, dst)) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(m.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.excludes.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		n, err := copyEntry(p, filepath.Join(dst, filepath.FromSlash(rel)), d)
		if err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
		if n >= 0 {
			snap.Files++
			snap.Bytes += n
			copied[rel] = true
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("creating backup: %w", walkErr)
	}

	for _, rel := range include {
		rel = filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
		if copied[rel] {
			continue
		}
		src := filepath.Join(m.root, filepath.FromSlash(rel))
		info, statErr := os.Lstat(src)
		if errors.Is(statErr, fs.ErrNotExist) || (statErr == nil && info.IsDir()) {
			continue
		}
		if statErr != nil {
			return nil, fmt.Errorf("creating backup: %w", statErr)
		}
		n, copyErr := copyEntry(src, filepath.Join(dst, filepath.FromSlash(rel)), fs.FileInfoToDirEntry(info))
		if copyErr != nil {
			return nil, fmt.Errorf("copying %s: %w", rel, copyErr)
		}
		if n >= 0 {
			snap.Files++
			snap.Bytes += n
		}
	}

	if err := m.Verify(snap, include); err != nil {
		return nil, err
	}

	m.logger.Info("backup created", "dir", dst, "files", snap.Files, "bytes", snap.Bytes)
	return snap, nil
}

// Verify checks that snap is non-empty and that every path of include that
// exists in the installation is present in the snapshot with the same size.
func (m *Manager) Verify(snap *Snapshot, include []string) error {
	if snap == nil || snap.Files == 0 {
		return ErrEmpty
	}
	for _, rel := range include {
		live, err := os.Lstat(filepath.Join(m.root, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) || (err == nil && live.IsDir()) {
			continue
		}
		if err != nil {
			return fmt.Errorf("verifying backup: %w", err)
		}
		saved, err := os.Lstat(filepath.Join(snap.Path, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrIncomplete, rel, err)
		}
		if live.Mode().IsRegular() && saved.Size() != live.Size() {
			return fmt.Errorf("%w: %s: size %d, want %d", ErrIncomplete, rel, saved.Size(), live.Size())
		}
	}
	return nil
}

// Has reports whether the snapshot at dir holds rel.
func Has(dir, rel string) bool {
	_, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(rel)))
	return err == nil
}

// List returns the snapshots under the backup directory, newest first.
// Directories that do not follow the naming scheme are ignored.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DirPrefix) {
			continue
		}
		stamp := strings.TrimPrefix(e.Name(), DirPrefix)
		if len(stamp) > len(TimeLayout) {
			stamp = stamp[:len(TimeLayout)]
		}
		ts, parseErr := time.ParseInLocation(TimeLayout, stamp, time.Local)
		if parseErr != nil {
			continue
		}
		out = append(out, Snapshot{Path: filepath.Join(m.dir, e.Name()), CreatedAt: ts})
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return strings.Compare(filepath.Base(b.Path), filepath.Base(a.Path))
	})
	return out, nil
}

// Prune removes all but the newest keep snapshots (the configured default
// when keep <= 0) and returns the removed paths.
func (m *Manager) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		keep = m.keep
	}
	snaps, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) <= keep {
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, s := range snaps[keep:] {
		if err := os.RemoveAll(s.Path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", s.Path, err))
			continue
		}
		m.logger.Debug("pruned backup", "dir", s.Path)
		removed = append(removed, s.Path)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) newSnapshotDir(at time.Time) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	base := filepath.Join(m.dir, DirPrefix+at.Format(TimeLayout))
	candidate := base
	for i := 1; ; i++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating backup directory: %w", err)
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}

// copyEntry copies a regular file or symlink and returns the bytes copied,
// or -1 when the entry type is not backed up.
func copyEntry(src, dst string, d fs.DirEntry) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return 0, err
		}
		return 0, os.Symlink(target, dst)
	case d.Type().IsRegular():
		return CopyFile(src, dst)
	default:
		return -1, nil
	}
}

// CopyFile copies src to dst preserving the permission bits.
func CopyFile(src, dst string) (_ int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }() // read-only file handle

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	// The umask or an existing dst may have left different bits.
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return 0, err
	}
	return io.Copy(out, in)
}

func isWithin(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
