// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
)

// VerifyReport lists installation files that do not match a manifest.
type VerifyReport struct {
	Checked   int      `json:"checked" yaml:"checked"`
	Missing   []string `json:"missing" yaml:"missing"`
	Corrupted []string `json:"corrupted" yaml:"corrupted"`
}

// OK reports whether every file matched.
func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupted) == 0
}

// VerifyInstallation re-hashes every manifest file under root. It is
// read-only.
func VerifyInstallation(ctx context.Context, root string, m *manifest.Manifest, h *contenthash.Hasher) (*VerifyReport, error) {
	if h == nil {
		h = contenthash.New(nil)
	}
	report := &VerifyReport{Missing: []string{}, Corrupted: []string{}}
	for _, e := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++
		err := h.Verify(e.LocalPath(root), e.Hash)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			report.Missing = append(report.Missing, e.Path)
		case errors.Is(err, contenthash.ErrMismatch):
			report.Corrupted = append(report.Corrupted, e.Path)
		default:
			return nil, fmt.Errorf("verifying %s: %w", e.Path, err)
		}
	}
	return report, nil
}

// LoadManifestFile reads and validates a manifest from disk.
func LoadManifestFile(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return manifest.Parse(data, path)
}
