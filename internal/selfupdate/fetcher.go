// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"bytes"
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/version"
)

// maxChecksumsBytes bounds checksums.txt (1 MB).
const maxChecksumsBytes = 1 << 20

type (
	// Fetcher downloads and validates release manifests.
	Fetcher struct {
		client        *GitHubClient
		manifestAsset string
		logger        *log.Logger
	}

	// FetchedManifest is a validated manifest with its raw digest.
	FetchedManifest struct {
		Manifest *manifest.Manifest
		SHA256   string
	}

	// inconsistentError is a manifest that parsed but contradicts the
	// release it was fetched for.
	inconsistentError struct {
		reason string
	}
)

func (e *inconsistentError) Error() string { return e.reason }

// NewFetcher creates a Fetcher.
func NewFetcher(client *GitHubClient, manifestAsset string, logger *log.Logger) *Fetcher {
	if manifestAsset == "" {
		manifestAsset = DefaultManifestAsset
	}
	return &Fetcher{client: client, manifestAsset: manifestAsset, logger: logger}
}

// Fetch downloads the manifest of res and validates it: schema and paths,
// the published checksum when the release has checksums.txt, the announced
// version, and the required_version floor against installed.
//
// Transport failures are returned as is; every validation failure wraps
// manifest.ErrMalformed, ErrChecksumMismatch or is an *inconsistentError.
func (f *Fetcher) Fetch(ctx context.Context, res *CheckResult, installed version.Version) (*FetchedManifest, error) {
	data, err := f.client.Fetch(ctx, res.ManifestURL, manifest.MaxManifestBytes)
	if err != nil {
		return nil, err
	}

	if res.ChecksumsURL != "" {
		sums, err := f.client.Fetch(ctx, res.ChecksumsURL, maxChecksumsBytes)
		if err != nil {
			return nil, err
		}
		entries, err := ParseChecksums(bytes.NewReader(sums))
		if err != nil {
			return nil, &inconsistentError{reason: fmt.Sprintf("checksums.txt: %v", err)}
		}
		if err := VerifyDocument(f.manifestAsset, data, entries); err != nil {
			return nil, err
		}
	}

	m, err := manifest.Parse(data, f.manifestAsset)
	if err != nil {
		return nil, err
	}

	announced, err := version.Parse(res.Version)
	if err != nil {
		return nil, err
	}
	got := version.MustParse(m.Version)
	if !got.Equal(announced) {
		return nil, &inconsistentError{reason: fmt.Sprintf(
			"manifest describes version %s but release %s was announced", m.Version, res.Tag)}
	}

	if m.RequiredVersion != "" {
		required := version.MustParse(m.RequiredVersion)
		if installed.Less(required) {
			return nil, &inconsistentError{reason: fmt.Sprintf(
				"release %s requires at least version %s to be installed, found %s", m.Version, required, installed)}
		}
	}

	f.logger.Debug("manifest fetched", "version", m.Version, "files", len(m.Files))
	return &FetchedManifest{Manifest: m, SHA256: manifest.Digest(data)}, nil
}
