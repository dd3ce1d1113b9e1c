// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/pathmatch"
	"github.com/bprojman/bpm-update/internal/staging"
)

const (
	// maxSnapshotBytes bounds a downloaded source archive (2 GB).
	maxSnapshotBytes = 2 << 30

	// maxSnapshotEntryBytes bounds one extracted file (512 MB).
	maxSnapshotEntryBytes = 512 << 20
)

var errUnsafeArchivePath = errors.New("archive entry escapes the staging directory")

// stageSnapshot downloads the source archive of res and extracts it into a
// fresh staging directory, dropping the archive's top-level directory and
// every path matched by skip. Entries are hashed after extraction: the hashes
// describe what was downloaded, they verify nothing.
func (u *Updater) stageSnapshot(ctx context.Context, res *CheckResult, skip *pathmatch.Set) (_ *staging.Area, err error) {
	dir, err := os.MkdirTemp(u.opts.StagingParent, "bpm-update-staging-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	archive, err := os.CreateTemp(u.opts.StagingParent, "bpm-update-snapshot-*.zip")
	if err != nil {
		return nil, fmt.Errorf("creating archive file: %w", err)
	}
	defer func() {
		_ = archive.Close()
		_ = os.Remove(archive.Name())
	}()

	body, err := u.client.DownloadAsset(ctx, res.SnapshotURL)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(archive, io.LimitReader(body, maxSnapshotBytes+1))
	_ = body.Close()
	if err != nil {
		return nil, fmt.Errorf("downloading source snapshot: %w", err)
	}
	if n > maxSnapshotBytes {
		return nil, fmt.Errorf("source snapshot exceeds %d bytes", int64(maxSnapshotBytes))
	}

	zr, err := zip.NewReader(archive, n)
	if err != nil {
		return nil, fmt.Errorf("opening source snapshot: %w", err)
	}

	var entries []manifest.FileEntry
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		rel := stripTopDir(zf.Name)
		if rel == "" {
			continue
		}
		if !manifest.IsLocalPath(rel) {
			return nil, fmt.Errorf("%w: %s", errUnsafeArchivePath, zf.Name)
		}
		if skip.Match(rel) {
			continue
		}

		dst := filepath.Join(dir, filepath.FromSlash(rel))
		size, err := extractZipFile(zf, dst)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", rel, err)
		}
		sum, err := u.hasher.HashFile(dst)
		if err != nil {
			return nil, err
		}
		entries = append(entries, manifest.FileEntry{Path: rel, Hash: sum, Size: size, URL: res.SnapshotURL})
	}
	if len(entries) == 0 {
		return nil, errors.New("source snapshot contains no files")
	}

	u.logger.Warn("staged unverified source snapshot", "files", len(entries), "dir", dir)
	return staging.Adopt(dir, entries), nil
}

// stripTopDir removes the "<owner>-<repo>-<sha>/" directory that source
// archives wrap their content in.
func stripTopDir(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	_, rest, found := strings.Cut(name, "/")
	if !found {
		return ""
	}
	return rest
}

func extractZipFile(zf *zip.File, dst string) (_ int64, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	rc, err := zf.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	mode := zf.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := io.Copy(out, io.LimitReader(rc, maxSnapshotEntryBytes+1))
	if err != nil {
		return 0, err
	}
	if n > maxSnapshotEntryBytes {
		return 0, fmt.Errorf("entry exceeds %d bytes", int64(maxSnapshotEntryBytes))
	}
	return n, nil
}
