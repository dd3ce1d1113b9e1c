// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
)

// ChecksumsAsset is the optional release asset listing sha256 sums of the
// other assets, in sha256sum format.
const ChecksumsAsset = "checksums.txt"

var (
	// ErrChecksumMismatch indicates a release document whose SHA-256 does not
	// match the value published in checksums.txt.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrAssetNotFound indicates the requested asset filename was not found in checksums.txt.
	ErrAssetNotFound = errors.New("asset not found in checksums")

	errNoValidEntries = errors.New("no valid checksum entries found")
)

type (
	// ChecksumEntry is one line of checksums.txt.
	ChecksumEntry struct {
		Hash     string // Lowercase hex SHA-256
		Filename string
	}

	// ChecksumError wraps ErrChecksumMismatch with both digests.
	ChecksumError struct {
		Filename string
		Expected string
		Got      string
	}
)

// Error returns a human-readable description of the checksum mismatch.
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s\nExpected: %s\nGot:      %s", e.Filename, e.Expected, e.Got)
}

// Unwrap returns ErrChecksumMismatch so callers can use errors.Is.
func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// ParseChecksums parses "{sha256_hex}  {filename}" lines. Empty and
// malformed lines are skipped; a file with no valid entry is an error.
func ParseChecksums(r io.Reader) ([]ChecksumEntry, error) {
	var entries []ChecksumEntry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			continue
		}

		hash := parts[0]
		filename := strings.TrimPrefix(strings.TrimSpace(parts[1]), "*")

		if filename == "" || !contenthash.IsValidHash(strings.ToLower(hash)) {
			continue
		}

		entries = append(entries, ChecksumEntry{
			Hash:     strings.ToLower(hash),
			Filename: filename,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}

	if len(entries) == 0 {
		return nil, errNoValidEntries
	}

	return entries, nil
}

// FindChecksum searches entries for the given filename and returns its hash.
// Returns ErrAssetNotFound if no entry matches the filename.
func FindChecksum(entries []ChecksumEntry, filename string) (string, error) {
	for _, e := range entries {
		if e.Filename == filename {
			return e.Hash, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAssetNotFound, filename)
}

// VerifyDocument checks the raw bytes of a downloaded release document
// against its published checksum.
func VerifyDocument(name string, data []byte, entries []ChecksumEntry) error {
	want, err := FindChecksum(entries, name)
	if err != nil {
		return err
	}
	got := manifest.Digest(data)
	if !strings.EqualFold(got, want) {
		return &ChecksumError{Filename: name, Expected: want, Got: got}
	}
	return nil
}
