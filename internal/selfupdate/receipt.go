// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/bprojman/bpm-update/internal/version"
)

// ReceiptFile is written into the installation root after every successful
// update.
const ReceiptFile = ".bpm-receipt.toml"

type (
	// Receipt records which release an installation was last updated to.
	Receipt struct {
		Version        string    `toml:"version"`
		AppliedAt      time.Time `toml:"applied_at"`
		ManifestSHA256 string    `toml:"manifest_sha256,omitempty"`
		Session        string    `toml:"session,omitempty"`
		// Degraded marks an update applied from an unverified source snapshot.
		Degraded bool `toml:"integrity_degraded,omitempty"`
	}

	// VersionSource tells where InstalledVersion found the version.
	VersionSource string
)

const (
	SourceConfig  VersionSource = "config"
	SourceReceipt VersionSource = "receipt"
	SourceBuild   VersionSource = "build"
)

// ReadReceipt loads the receipt of root. A missing receipt returns nil, nil.
func ReadReceipt(root string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(root, ReceiptFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading receipt: %w", err)
	}
	var r Receipt
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ReceiptFile, err)
	}
	return &r, nil
}

// WriteReceipt writes r to path through a temp file and rename.
func WriteReceipt(path string, r Receipt) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding receipt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writing receipt: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing receipt: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing receipt: %w", err)
	}
	return nil
}

// InstalledVersion resolves the installed version of root: an explicit
// override wins, then the receipt, then the version compiled into the
// binary.
func InstalledVersion(override, root, build string) (version.Version, VersionSource, error) {
	if override != "" {
		v, err := version.Parse(override)
		return v, SourceConfig, err
	}
	r, err := ReadReceipt(root)
	if err != nil {
		return version.Version{}, "", err
	}
	if r != nil && r.Version != "" {
		v, err := version.Parse(r.Version)
		return v, SourceReceipt, err
	}
	v, err := version.Parse(build)
	return v, SourceBuild, err
}
