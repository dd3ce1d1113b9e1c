// SPDX-License-Identifier: MPL-2.0

package contenthash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bprojman/bpm-update/internal/manifest"
)

// Diff returns the manifest entries whose local counterpart under root is
// absent or hashes differently. The result preserves manifest order and
// seeds the staging work list.
func (h *Hasher) Diff(ctx context.Context, root string, entries []manifest.FileEntry) ([]manifest.FileEntry, error) {
	var changed []manifest.FileEntry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		localPath := e.LocalPath(root)
		info, err := os.Stat(localPath)
		if errors.Is(err, fs.ErrNotExist) {
			changed = append(changed, e)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", e.Path, err)
		}
		if info.IsDir() {
			changed = append(changed, e)
			continue
		}

		got, err := h.HashFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", e.Path, err)
		}
		if !strings.EqualFold(got, e.Hash) {
			changed = append(changed, e)
		}
	}
	return changed, nil
}

// HashTree walks root and returns the content hash of every regular file
// keyed by slash-separated relative path. skip is consulted for every entry
// (directories included); returning true prunes it.
func (h *Hasher) HashTree(ctx context.Context, root string, skip func(rel string, d fs.DirEntry) bool) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if skip != nil && skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		sum, err := h.HashFile(path)
		if err != nil {
			return err
		}
		out[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hashing tree %s: %w", root, err)
	}
	return out, nil
}
