// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"errors"
	"strings"
	"testing"
)

const (
	// SHA256("hello\n")
	helloHash = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	zeroHash  = "0000000000000000000000000000000000000000000000000000000000000000"
)

func TestParseChecksums_ValidFile(t *testing.T) {
	t.Parallel()

	input := strings.NewReader(
		helloHash + "  update_manifest.json\n" +
			strings.ToUpper(zeroHash[:8]) + zeroHash[8:] + " *bpm-1.0.4.zip\n",
	)

	entries, err := ParseChecksums(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		// The second line uses a single separator space and is skipped.
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Hash != helloHash || entries[0].Filename != "update_manifest.json" {
		t.Errorf("got %+v", entries[0])
	}
}

func TestParseChecksums_BinaryMarkerAndCase(t *testing.T) {
	t.Parallel()

	entries, err := ParseChecksums(strings.NewReader(strings.ToUpper(helloHash) + "  *update_manifest.json\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].Hash != helloHash {
		t.Errorf("hash not lowercased: %q", entries[0].Hash)
	}
	if entries[0].Filename != "update_manifest.json" {
		t.Errorf("binary marker not stripped: %q", entries[0].Filename)
	}
}

func TestParseChecksums_SkipsEmptyAndInvalid(t *testing.T) {
	t.Parallel()

	input := strings.NewReader(
		helloHash + "  update_manifest.json\n" +
			"\n" +
			"abcdef1234  short_hash.json\n" +
			"zzzz" + helloHash[4:] + "  not_hex.json\n" +
			helloHash + "\n" +
			helloHash + "  \n",
	)

	entries, err := ParseChecksums(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1: %+v", len(entries), entries)
	}
}

func TestParseChecksums_NoValidEntries(t *testing.T) {
	t.Parallel()

	for name, input := range map[string]string{
		"empty":   "",
		"garbage": "not a checksum file\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := ParseChecksums(strings.NewReader(input)); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestFindChecksum(t *testing.T) {
	t.Parallel()

	entries := []ChecksumEntry{
		{Hash: helloHash, Filename: "update_manifest.json"},
		{Hash: zeroHash, Filename: "other.json"},
	}

	got, err := FindChecksum(entries, "update_manifest.json")
	if err != nil || got != helloHash {
		t.Errorf("FindChecksum = %q, %v", got, err)
	}

	_, err = FindChecksum(entries, "missing.json")
	if !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("got error %v, want ErrAssetNotFound", err)
	}
}

func TestVerifyDocument(t *testing.T) {
	t.Parallel()

	entries := []ChecksumEntry{{Hash: helloHash, Filename: DefaultManifestAsset}}

	if err := VerifyDocument(DefaultManifestAsset, []byte("hello\n"), entries); err != nil {
		t.Errorf("matching document: %v", err)
	}

	err := VerifyDocument(DefaultManifestAsset, []byte("tampered\n"), entries)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("errors.Is(err, ErrChecksumMismatch) = false; err = %v", err)
	}
	var cerr *ChecksumError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ChecksumError, got %T", err)
	}
	if cerr.Expected != helloHash || cerr.Got == helloHash {
		t.Errorf("got %+v", cerr)
	}

	if err := VerifyDocument("unlisted.json", []byte("hello\n"), entries); !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("unlisted document: got %v, want ErrAssetNotFound", err)
	}
}
