// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bprojman/bpm-update/internal/backup"
	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/pathmatch"
	"github.com/bprojman/bpm-update/internal/sessionlock"
	"github.com/bprojman/bpm-update/internal/version"
)

// GenerateOptions configures GenerateManifest.
type GenerateOptions struct {
	// Root is the release tree to describe.
	Root string
	// Version of the release, e.g. "1.0.4".
	Version string
	// BaseURL prefixes file URLs: <BaseURL>/v<Version>/<path>.
	BaseURL         string
	RequiredVersion string
	Description     string
	// Include restricts the manifest to matching paths when non-empty.
	Include []string
	// Exclude drops matching paths. Nil selects the backup exclusions plus
	// the updater's own files.
	Exclude []string
	Hasher  *contenthash.Hasher
	Now     func() time.Time
}

// GenerateManifest walks a release tree and describes every file. Hashes are
// computed with the same canonicalization the updater verifies with.
func GenerateManifest(ctx context.Context, opts GenerateOptions) (*manifest.Manifest, error) {
	v, err := version.Parse(opts.Version)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("base URL %q must be an http(s) URL", opts.BaseURL)
	}

	exclude := opts.Exclude
	if exclude == nil {
		exclude = append(slices.Clone(backup.DefaultExcludes), ReceiptFile, sessionlock.FileName)
	}
	excludes, err := pathmatch.Compile(exclude)
	if err != nil {
		return nil, fmt.Errorf("compiling excludes: %w", err)
	}
	includes, err := pathmatch.Compile(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compiling includes: %w", err)
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = contenthash.New(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &manifest.Manifest{
		Version:         opts.Version,
		ReleaseDate:     now().Format(manifest.DateLayout),
		RequiredVersion: opts.RequiredVersion,
		Description:     opts.Description,
		Files:           []manifest.FileEntry{},
	}

	err = filepath.WalkDir(opts.Root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.Root, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excludes.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || (includes.Len() > 0 && !includes.Match(rel)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := hasher.HashFile(p)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, manifest.FileEntry{
			Path: rel,
			Hash: sum,
			Size: info.Size(),
			URL:  fileURL(base, v, rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generating manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("generated manifest is invalid: %w", err)
	}
	return m, nil
}

func fileURL(base *url.URL, v version.Version, rel string) string {
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return base.String() + "/v" + v.String() + "/" + strings.Join(segs, "/")
}

// WriteManifest writes m to path as indented JSON.
func WriteManifest(path string, m *manifest.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
