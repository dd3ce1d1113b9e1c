// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/testutil"
)

func TestGenerateManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"app/main.py":             "print('hi')\r\n",
		"app/my module/data.json": "{}",
		"bpm.exe":                 "MZ",
		"settings.json":           "{\"theme\":\"dark\"}",
		"logs/today.log":          "noise",
		"app/__pycache__/x.pyc":   "bytecode",
		ReceiptFile:               "version = '1.0.3'",
	})

	m, err := GenerateManifest(context.Background(), GenerateOptions{
		Root:            root,
		Version:         "1.0.4",
		BaseURL:         "https://updates.example.com/bpm/",
		RequiredVersion: "1.0.0",
		Now:             func() time.Time { return time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}

	var paths []string
	for _, f := range m.Files {
		paths = append(paths, f.Path)
	}
	want := []string{"app/main.py", "app/my module/data.json", "bpm.exe"}
	if !slices.Equal(paths, want) {
		t.Errorf("got paths %v, want %v", paths, want)
	}
	if m.ReleaseDate != "2026-05-02" || m.RequiredVersion != "1.0.0" {
		t.Errorf("got %+v", m)
	}

	entry, _ := m.Lookup("app/my module/data.json")
	if entry.URL != "https://updates.example.com/bpm/v1.0.4/app/my%20module/data.json" {
		t.Errorf("got URL %q", entry.URL)
	}

	main, _ := m.Lookup("app/main.py")
	if main.Hash != contenthash.HashBytes([]byte("print('hi')")) {
		t.Error("text file was not hashed canonically")
	}

	// The generated document is accepted by the parser the updater uses.
	out := filepath.Join(t.TempDir(), DefaultManifestAsset)
	if err := WriteManifest(out, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	parsed, err := LoadManifestFile(out)
	if err != nil {
		t.Fatalf("LoadManifestFile: %v", err)
	}
	if len(parsed.Files) != len(m.Files) {
		t.Errorf("parsed %d files, want %d", len(parsed.Files), len(m.Files))
	}
}

func TestGenerateManifest_Include(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"app/a.py": "a", "docs/readme.md": "r"})

	m, err := GenerateManifest(context.Background(), GenerateOptions{
		Root:    root,
		Version: "1.0.4",
		BaseURL: "https://updates.example.com",
		Include: []string{"app/**"},
	})
	if err != nil {
		t.Fatalf("GenerateManifest: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Path != "app/a.py" {
		t.Errorf("got %+v", m.Files)
	}
}

func TestGenerateManifest_BadInput(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for name, opts := range map[string]GenerateOptions{
		"version":  {Root: root, Version: "latest", BaseURL: "https://x"},
		"base url": {Root: root, Version: "1.0.4", BaseURL: "ftp://x"},
		"pattern":  {Root: root, Version: "1.0.4", BaseURL: "https://x", Exclude: []string{"[unterminated"}},
	} {
		if _, err := GenerateManifest(context.Background(), opts); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestVerifyInstallation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"a.py": "a\n", "b.py": "b\n", "c.py": "c\n"})

	m, err := GenerateManifest(context.Background(), GenerateOptions{Root: root, Version: "1.0.4", BaseURL: "https://x"})
	if err != nil {
		t.Fatal(err)
	}

	report, err := VerifyInstallation(context.Background(), root, m, nil)
	if err != nil || !report.OK() || report.Checked != 3 {
		t.Fatalf("pristine tree: %+v, %v", report, err)
	}

	// Line-ending changes are not corruption.
	testutil.WriteTree(t, root, map[string]string{"a.py": "a\r\n", "b.py": "tampered\n"})
	if err := os.Remove(filepath.Join(root, "c.py")); err != nil {
		t.Fatal(err)
	}

	report, err = VerifyInstallation(context.Background(), root, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() || !slices.Equal(report.Corrupted, []string{"b.py"}) || !slices.Equal(report.Missing, []string{"c.py"}) {
		t.Errorf("got %+v", report)
	}
}

func TestLoadManifestFile_Malformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(path, []byte(`{"version":"1.0.4"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifestFile(path); err == nil {
		t.Error("expected an error")
	} else if !isMalformed(err) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func isMalformed(err error) bool {
	var merr *manifest.MalformedError
	return errors.As(err, &merr)
}
