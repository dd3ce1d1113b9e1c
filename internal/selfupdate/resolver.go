// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/bprojman/bpm-update/internal/version"
)

// DefaultManifestAsset is the release asset holding the file manifest.
const DefaultManifestAsset = "update_manifest.json"

type (
	// CheckResult is the outcome of a version check. When Available is set it
	// carries the session that Apply continues.
	CheckResult struct {
		Available      bool
		CurrentVersion string
		// Version is the announced release version without tag prefix.
		Version string
		Tag     string
		// ManifestURL locates the file manifest. It is empty in snapshot mode.
		ManifestURL string
		// ChecksumsURL locates checksums.txt, when the release publishes one.
		ChecksumsURL string
		// SnapshotURL is the source archive used when the release has no
		// manifest asset.
		SnapshotURL string
		// IntegrityDegraded is set in snapshot mode: individual file hashes
		// cannot be verified against a published manifest.
		IntegrityDegraded bool
		Release           *Release
		Message           string

		session *Session
	}

	// Resolver is the version-resolution half of a check: it asks the
	// registry for a release and compares it with the installed version.
	Resolver struct {
		client        *GitHubClient
		manifestAsset string
		logger        *log.Logger
	}
)

// Location returns the manifest URL, or the snapshot URL in degraded mode.
func (r *CheckResult) Location() string {
	if r.ManifestURL != "" {
		return r.ManifestURL
	}
	return r.SnapshotURL
}

// Session returns the session created by the check.
func (r *CheckResult) Session() *Session { return r.session }

// NewResolver creates a Resolver looking for manifestAsset in releases.
func NewResolver(client *GitHubClient, manifestAsset string, logger *log.Logger) *Resolver {
	if manifestAsset == "" {
		manifestAsset = DefaultManifestAsset
	}
	return &Resolver{client: client, manifestAsset: manifestAsset, logger: logger}
}

// Resolve fetches the latest release (or the release tagged target) and
// compares it with current. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, current version.Version, target string) (*CheckResult, error) {
	release, err := r.release(ctx, target)
	if err != nil {
		return nil, err
	}

	latest, err := version.Parse(release.TagName)
	if err != nil {
		return nil, fmt.Errorf("release tag: %w", err)
	}

	res := &CheckResult{
		CurrentVersion: current.String(),
		Version:        latest.String(),
		Tag:            release.TagName,
		Release:        release,
	}

	cmp := version.Compare(latest, current)
	switch {
	case cmp < 0 && target == "":
		res.Message = fmt.Sprintf("Installed version %s is newer than the latest release %s.", current, latest)
		return res, nil
	case cmp == 0:
		res.Message = "Already up to date."
		return res, nil
	case cmp < 0:
		// An explicitly pinned older release is a downgrade; it is offered
		// like any other update.
		r.logger.Warn("pinned release is older than the installed version", "installed", current, "target", latest)
	}

	if a := release.FindAsset(r.manifestAsset); a != nil {
		res.ManifestURL = a.BrowserDownloadURL
	} else if release.ZipballURL != "" {
		res.SnapshotURL = release.ZipballURL
		res.IntegrityDegraded = true
	} else {
		return nil, fmt.Errorf("release %s has neither a %s asset nor a source snapshot", release.TagName, r.manifestAsset)
	}
	if a := release.FindAsset(ChecksumsAsset); a != nil {
		res.ChecksumsURL = a.BrowserDownloadURL
	}

	res.Available = true
	res.Message = fmt.Sprintf("Update available: %s -> %s", current, latest)
	r.logger.Info("update available", "installed", current, "latest", latest, "degraded", res.IntegrityDegraded)
	return res, nil
}

func (r *Resolver) release(ctx context.Context, target string) (*Release, error) {
	if target == "" {
		return r.client.LatestRelease(ctx)
	}

	tag := strings.TrimSpace(target)
	rel, err := r.client.GetReleaseByTag(ctx, tag)
	if errors.Is(err, ErrReleaseNotFound) && !strings.HasPrefix(tag, "v") {
		// Tags are conventionally v-prefixed; accept "1.0.4" for "v1.0.4".
		rel, err = r.client.GetReleaseByTag(ctx, "v"+tag)
	}
	return rel, err
}
