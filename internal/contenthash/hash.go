// SPDX-License-Identifier: MPL-2.0

package contenthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxTextBytes bounds the size of a file that is canonicalized in memory.
// Larger files with a text extension are hashed as raw bytes.
const MaxTextBytes = 64 << 20

// ErrMismatch indicates a computed hash differs from the expected one.
var ErrMismatch = errors.New("content hash mismatch")

// DefaultTextExtensions is the text allow-list used when none is configured.
//
//nolint:gochecknoglobals // Read-only default list.
var DefaultTextExtensions = []string{
	".py", ".pyw", ".json", ".bat", ".cmd", ".ps1", ".sh", ".txt", ".md",
	".cfg", ".ini", ".toml", ".yaml", ".yml", ".cue", ".csv", ".xml",
	".html", ".css", ".js", ".qss", ".svg",
}

type (
	// Hasher computes content hashes with a fixed text allow-list.
	// A Hasher is immutable and safe for concurrent use.
	Hasher struct {
		text map[string]struct{}
	}

	// MismatchError reports a failed hash comparison.
	// It wraps ErrMismatch so callers can use errors.Is for classification.
	MismatchError struct {
		Path     string
		Expected string
		Got      string
	}
)

// Error shows both expected and actual hashes for debugging.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch for %s\nExpected: %s\nGot:      %s", e.Path, e.Expected, e.Got)
}

// Unwrap returns ErrMismatch.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// New creates a Hasher treating the given extensions as text. Extensions are
// matched case-insensitively with or without a leading dot. A nil slice
// selects DefaultTextExtensions; an empty non-nil slice disables text
// canonicalization entirely.
func New(textExtensions []string) *Hasher {
	if textExtensions == nil {
		textExtensions = DefaultTextExtensions
	}
	h := &Hasher{text: make(map[string]struct{}, len(textExtensions))}
	for _, ext := range textExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		h.text[ext] = struct{}{}
	}
	return h
}

// IsText reports whether name is canonicalized before hashing.
func (h *Hasher) IsText(name string) bool {
	_, ok := h.text[strings.ToLower(filepath.Ext(name))]
	return ok
}

// HashFile returns the lowercase hex SHA-256 of the file at path, applying
// text canonicalization when the extension is in the allow-list.
func (h *Hasher) HashFile(path string) (_ string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		// Read-only file handle; close errors are exotic (NFS edge cases).
		_ = f.Close()
	}()

	if h.IsText(path) {
		info, statErr := f.Stat()
		if statErr != nil {
			return "", fmt.Errorf("hashing file %s: %w", path, statErr)
		}
		if info.Size() <= MaxTextBytes {
			data, readErr := io.ReadAll(f)
			if readErr != nil {
				return "", fmt.Errorf("hashing file %s: %w", path, readErr)
			}
			return HashBytes(Canonicalize(data)), nil
		}
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hashing file %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashContent hashes data as if it were the content of a file named name.
func (h *Hasher) HashContent(name string, data []byte) string {
	if h.IsText(name) && len(data) <= MaxTextBytes {
		return HashBytes(Canonicalize(data))
	}
	return HashBytes(data)
}

// Verify computes the hash of the file at path and compares it with expected
// (case-insensitive). Returns a *MismatchError on difference.
func (h *Hasher) Verify(path, expected string) error {
	got, err := h.HashFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return &MismatchError{Path: path, Expected: strings.ToLower(expected), Got: got}
	}
	return nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Canonicalize normalizes text content so that platform line-ending and
// whitespace differences do not change the hash.
func Canonicalize(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))

	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t\v\f")
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	return bytes.Join(lines, []byte("\n"))
}

// IsValidHash checks if s is a 64-character hex-encoded SHA-256 digest.
func IsValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
