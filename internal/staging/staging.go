// SPDX-License-Identifier: MPL-2.0

// Package staging downloads the changed files of a release into an isolated
// working directory and verifies every one of them against its manifest hash
// before anything else is allowed to touch the installation.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/logging"
	"github.com/bprojman/bpm-update/internal/manifest"
)

const (
	// DefaultConcurrency is the number of parallel downloads.
	DefaultConcurrency = 4

	// MaxFileBytes bounds a single downloaded file (2 GB).
	MaxFileBytes = 2 << 30

	// FileMode is the mode of every staged file.
	FileMode = 0o644

	dirPattern = "bpm-update-staging-*"
)

// ErrTooLarge is returned when a download exceeds MaxFileBytes.
var ErrTooLarge = errors.New("download exceeds size limit")

type (
	// Downloader streams the body at url. The caller closes the reader.
	Downloader interface {
		DownloadAsset(ctx context.Context, url string) (io.ReadCloser, error)
	}

	// ProgressFunc observes each verified file. Calls are serialized and done
	// increases monotonically.
	ProgressFunc func(done, total int, entry manifest.FileEntry)

	// Options configures a Stager.
	Options struct {
		// ParentDir holds the staging directory (default os.TempDir()).
		ParentDir   string
		Concurrency int
		Hasher      *contenthash.Hasher
		Logger      *log.Logger
		Progress    ProgressFunc
	}

	// Stager downloads and verifies work lists.
	Stager struct {
		dl          Downloader
		parentDir   string
		concurrency int
		hasher      *contenthash.Hasher
		logger      *log.Logger
		progress    ProgressFunc
	}

	// Area is a fully staged and verified file set.
	Area struct {
		Dir     string
		Entries []manifest.FileEntry
	}

	// FileError reports the entry whose download or verification failed.
	FileError struct {
		Path string
		Err  error
	}
)

// Error implements error.
func (e *FileError) Error() string {
	return fmt.Sprintf("staging %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileError) Unwrap() error { return e.Err }

// New creates a Stager that fetches through dl.
func New(dl Downloader, opts Options) *Stager {
	s := &Stager{
		dl:          dl,
		parentDir:   opts.ParentDir,
		concurrency: opts.Concurrency,
		hasher:      opts.Hasher,
		logger:      opts.Logger,
		progress:    opts.Progress,
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.hasher == nil {
		s.hasher = contenthash.New(nil)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Stage downloads every entry into a fresh staging directory and verifies it.
// Any failure, including a single hash mismatch or cancellation, removes the
// whole directory: a partially staged set is never returned.
func (s *Stager) Stage(ctx context.Context, entries []manifest.FileEntry) (_ *Area, err error) {
	if s.parentDir != "" {
		if err := os.MkdirAll(s.parentDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating staging parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.parentDir, dirPattern)
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				s.logger.Warn("failed to remove staging directory", "dir", dir, "err", rmErr)
			}
		}
	}()

	s.logger.Info("staging files", "count", len(entries), "dir", dir)

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			if err := s.fetch(gctx, dir, e); err != nil {
				return &FileError{Path: e.Path, Err: err}
			}
			mu.Lock()
			defer mu.Unlock()
			done++
			s.logger.Debug("staged file", "path", e.Path, "done", done, "total", len(entries))
			if s.progress != nil {
				s.progress(done, len(entries), e)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("staging aborted", "err", err)
		return nil, err
	}
	// errgroup swallows a parent cancellation that raced the last file.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Area{Dir: dir, Entries: entries}, nil
}

// fetch downloads one entry to a temp name, verifies it and renames it into
// place.
func (s *Stager) fetch(ctx context.Context, dir string, e manifest.FileEntry) (err error) {
	dst := e.LocalPath(dir)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	body, err := s.dl.DownloadAsset(ctx, e.URL)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }() // read-only HTTP response body

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(body, MaxFileBytes+1))
	if err != nil {
		return fmt.Errorf("writing download: %w", err)
	}
	if n > MaxFileBytes {
		return ErrTooLarge
	}
	// CreateTemp makes the file private.
	if err := tmp.Chmod(FileMode); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing download: %w", err)
	}

	// Verify under the final name so the text/binary decision uses the
	// real extension.
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("moving download into place: %w", err)
	}
	if err := s.hasher.Verify(dst, e.Hash); err != nil {
		return err
	}
	return nil
}

// Adopt wraps an already populated directory, such as an extracted source
// snapshot, as an Area.
func Adopt(dir string, entries []manifest.FileEntry) *Area {
	return &Area{Dir: dir, Entries: entries}
}

// Path returns the staged location of rel.
func (a *Area) Path(rel string) string {
	return filepath.Join(a.Dir, filepath.FromSlash(rel))
}

// Files returns the staged slash-separated relative paths in work-list order.
func (a *Area) Files() []string {
	out := make([]string, 0, len(a.Entries))
	for _, e := range a.Entries {
		out = append(out, manifest.CleanPath(e.Path))
	}
	return out
}

// Remove deletes the staging directory.
func (a *Area) Remove() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}
