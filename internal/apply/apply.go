// SPDX-License-Identifier: MPL-2.0

// Package apply replaces live installation files with staged ones, strictly
// one at a time, and restores every touched file from a backup snapshot when
// a replacement fails.
package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/bprojman/bpm-update/internal/backup"
	"github.com/bprojman/bpm-update/internal/logging"
	"github.com/bprojman/bpm-update/internal/pathmatch"
)

// NewFileMode is the mode of files an update adds to the installation.
const NewFileMode fs.FileMode = 0o644

var (
	// ErrFailed marks a failed apply. Check Error.RolledBack for the state of
	// the installation.
	ErrFailed = errors.New("apply failed")

	// ErrNotBackedUp is returned by the preflight check when a live file that
	// would be replaced is absent from the snapshot.
	ErrNotBackedUp = errors.New("live file missing from backup")

	//nolint:gochecknoglobals // Test seam for the per-file copy.
	copyFileFunc = copyFile

	//nolint:gochecknoglobals // Test seam for the per-file removal.
	removeFileFunc = forceRemove
)

type (
	// Options configures an Applier.
	Options struct {
		Logger *log.Logger
		// Progress observes each replaced file.
		Progress func(done, total int, rel string)
	}

	// Applier mutates one installation root.
	Applier struct {
		root     string
		logger   *log.Logger
		progress func(done, total int, rel string)
	}

	// Result is a completed apply. It keeps the journal so a later stage
	// (the restart handoff) can still undo it.
	Result struct {
		Applied []string

		root      string
		backupDir string
		journal   []journalEntry
		logger    *log.Logger
	}

	// Error describes a failed apply.
	Error struct {
		Path  string
		Index int // 1-based position in the work list
		Total int
		// RolledBack is true when every touched file was restored.
		RolledBack  bool
		Err         error
		RollbackErr error
	}

	journalEntry struct {
		rel     string
		existed bool
	}
)

// Error implements error.
func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("apply preflight: %v", e.Err)
	}
	msg := fmt.Sprintf("replacing %s (%d of %d): %v", e.Path, e.Index, e.Total, e.Err)
	if e.RollbackErr != nil {
		return msg + fmt.Sprintf("; rollback incomplete: %v", e.RollbackErr)
	}
	if e.RolledBack {
		return msg + "; rolled back"
	}
	return msg
}

// Unwrap exposes both ErrFailed and the cause.
func (e *Error) Unwrap() []error { return []error{ErrFailed, e.Err} }

// New creates an Applier for root.
func New(root string, opts Options) *Applier {
	a := &Applier{root: root, logger: opts.Logger, progress: opts.Progress}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	return a
}

// Partition splits files into those the current process may replace and
// those matched by locked, which must wait for the restart handoff.
func Partition(files []string, locked *pathmatch.Set) (now, deferred []string) {
	for _, f := range files {
		if locked.Match(f) {
			deferred = append(deferred, f)
		} else {
			now = append(now, f)
		}
	}
	return now, deferred
}

// Preflight verifies that every existing live file in files has a copy in
// backupDir. It touches nothing.
func (a *Applier) Preflight(backupDir string, files []string) error {
	for _, rel := range files {
		if _, err := os.Lstat(a.livePath(rel)); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("inspecting %s: %w", rel, err)
		}
		if !backup.Has(backupDir, rel) {
			return fmt.Errorf("%w: %s", ErrNotBackedUp, rel)
		}
	}
	return nil
}

// Apply copies every file from stagingDir into the installation, in order.
// On the first failure it stops, restores every file it already touched
// (including the failing one) from backupDir, and returns an *Error.
// Apply takes no context: once started it ends with every file replaced or
// every touched file restored.
func (a *Applier) Apply(stagingDir, backupDir string, files []string) (*Result, error) {
	if err := a.Preflight(backupDir, files); err != nil {
		return nil, &Error{Total: len(files), Err: err, RolledBack: true}
	}

	res := &Result{root: a.root, backupDir: backupDir, logger: a.logger}
	for i, rel := range files {
		_, statErr := os.Lstat(a.livePath(rel))
		res.journal = append(res.journal, journalEntry{rel: rel, existed: statErr == nil})

		if err := a.replace(stagingDir, rel); err != nil {
			a.logger.Error("replace failed, rolling back", "path", rel, "index", i+1, "err", err)
			rbErr := res.Rollback()
			return nil, &Error{
				Path:        rel,
				Index:       i + 1,
				Total:       len(files),
				RolledBack:  rbErr == nil,
				Err:         err,
				RollbackErr: rbErr,
			}
		}

		res.Applied = append(res.Applied, rel)
		a.logger.Debug("replaced file", "path", rel)
		if a.progress != nil {
			a.progress(i+1, len(files), rel)
		}
	}
	return res, nil
}

// Rollback restores every journaled file from the backup, newest first.
// Files that did not exist before the apply are removed. It keeps going
// after individual failures and reports them joined.
func (r *Result) Rollback() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.journal) - 1; i >= 0; i-- {
		e := r.journal[i]
		live := filepath.Join(r.root, filepath.FromSlash(e.rel))
		if !e.existed {
			if err := removeFileFunc(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing %s: %w", e.rel, err))
			}
			continue
		}
		saved := filepath.Join(r.backupDir, filepath.FromSlash(e.rel))
		if err := restore(saved, live); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", e.rel, err))
			continue
		}
		r.logger.Debug("restored file", "path", e.rel)
	}
	if len(errs) == 0 {
		r.logger.Info("rollback complete", "files", len(r.journal))
	}
	r.journal = nil
	return errors.Join(errs...)
}

// replace installs the staged copy of rel. The replacement keeps the
// permission bits of the file it replaces; new files get NewFileMode.
func (a *Applier) replace(stagingDir, rel string) error {
	live := a.livePath(rel)
	mode := NewFileMode
	if info, err := os.Lstat(live); err == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
	}
	if err := removeFileFunc(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing live file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := copyFileFunc(filepath.Join(stagingDir, filepath.FromSlash(rel)), live); err != nil {
		return fmt.Errorf("copying staged file: %w", err)
	}
	if err := os.Chmod(live, mode); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	return nil
}

func (a *Applier) livePath(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

func restore(saved, live string) error {
	if err := removeFileFunc(live); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return err
	}
	info, err := os.Lstat(saved)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(saved)
		if err != nil {
			return err
		}
		return os.Symlink(target, live)
	}
	_, err = backup.CopyFile(saved, live)
	return err
}

func copyFile(src, dst string) error {
	_, err := backup.CopyFile(src, dst)
	return err
}

// forceRemove deletes path, clearing a read-only bit and retrying once on a
// permission error.
func forceRemove(path string) error {
	err := os.Remove(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}
	if chmodErr := os.Chmod(path, 0o666); chmodErr != nil {
		return err
	}
	return os.Remove(path)
}
