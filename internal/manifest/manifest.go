// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bprojman/bpm-update/internal/cueutil"
	"github.com/bprojman/bpm-update/internal/platform"
	"github.com/bprojman/bpm-update/internal/version"
)

const (
	// DateLayout is the layout of Manifest.ReleaseDate.
	DateLayout = "2006-01-02"

	// MaxManifestBytes bounds the size of a manifest document (8 MB).
	MaxManifestBytes = 8 << 20
)

// ErrMalformed indicates a manifest that does not satisfy the schema or
// contains semantically invalid entries.
var ErrMalformed = errors.New("malformed manifest")

//go:embed manifest_schema.cue
var schemaSource string

type (
	// Manifest describes one release.
	Manifest struct {
		Version         string      `json:"version"`
		ReleaseDate     string      `json:"release_date"`
		RequiredVersion string      `json:"required_version,omitempty"`
		Description     string      `json:"description,omitempty"`
		Files           []FileEntry `json:"files"`
	}

	// FileEntry describes a single file of a release. Path is slash-separated
	// and relative to the installation root; Hash is the lowercase hex SHA-256
	// of the file's canonical content.
	FileEntry struct {
		Path string `json:"path"`
		Hash string `json:"hash"`
		Size int64  `json:"size"`
		URL  string `json:"url"`
	}

	// MalformedError wraps ErrMalformed with the document name and details.
	MalformedError struct {
		Source  string
		Details string
	}
)

// Error implements error.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed manifest %s: %s", e.Source, e.Details)
}

// Unwrap returns ErrMalformed.
func (e *MalformedError) Unwrap() error { return ErrMalformed }

// Parse validates data against the manifest schema and decodes it. source
// names the document in error messages (a URL or file path).
func Parse(data []byte, source string) (*Manifest, error) {
	if len(data) > MaxManifestBytes {
		return nil, &MalformedError{Source: source, Details: fmt.Sprintf("document exceeds %d bytes", MaxManifestBytes)}
	}

	if err := validateSchema(data, source); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &MalformedError{Source: source, Details: err.Error()}
	}

	if err := m.Validate(); err != nil {
		return nil, &MalformedError{Source: source, Details: err.Error()}
	}

	// Every consumer past this point works with clean slash paths.
	for i := range m.Files {
		m.Files[i].Path = CleanPath(m.Files[i].Path)
		m.Files[i].Hash = strings.ToLower(m.Files[i].Hash)
	}

	return &m, nil
}

// Validate checks constraints the schema cannot express: parseable versions,
// local (non-escaping) and portable paths, and unique paths.
func (m *Manifest) Validate() error {
	if _, err := version.Parse(m.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if m.RequiredVersion != "" {
		if _, err := version.Parse(m.RequiredVersion); err != nil {
			return fmt.Errorf("required_version: %w", err)
		}
	}
	if _, err := time.Parse(DateLayout, m.ReleaseDate); err != nil {
		return fmt.Errorf("release_date: %w", err)
	}

	seen := make(map[string]int, len(m.Files))
	for i, f := range m.Files {
		if !IsLocalPath(f.Path) {
			return fmt.Errorf("files[%d]: path %q escapes the installation root", i, f.Path)
		}
		if err := platform.CheckPortablePath(CleanPath(f.Path)); err != nil {
			return fmt.Errorf("files[%d]: %w", i, err)
		}
		key := strings.ToLower(CleanPath(f.Path))
		if first, dup := seen[key]; dup {
			return fmt.Errorf("files[%d]: duplicate path %q (same as files[%d])", i, f.Path, first)
		}
		seen[key] = i
	}

	return nil
}

// Marshal renders the manifest as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Lookup returns the entry for the given slash-separated path.
func (m *Manifest) Lookup(p string) (FileEntry, bool) {
	want := CleanPath(p)
	for _, f := range m.Files {
		if CleanPath(f.Path) == want {
			return f, true
		}
	}
	return FileEntry{}, false
}

// TotalSize sums the declared sizes of entries.
func TotalSize(entries []FileEntry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

// LocalPath joins the entry's slash path onto root using the platform separator.
func (f FileEntry) LocalPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(CleanPath(f.Path)))
}

// IsLocalPath reports whether p is a relative path that stays inside its root.
func IsLocalPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
}

// Digest returns the hex SHA-256 of raw manifest bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateSchema(data []byte, source string) error {
	_, err := cueutil.Unify(schemaSource, data, "#Manifest",
		cueutil.WithFilename(source), cueutil.WithMaxFileSize(MaxManifestBytes))
	if err != nil {
		return &MalformedError{Source: source, Details: strings.TrimSpace(strings.TrimPrefix(err.Error(), source+":"))}
	}
	return nil
}

// CleanPath normalizes separators to "/" and cleans the path.
func CleanPath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}
