// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"errors"
	"path/filepath"
	"testing"
)

// overrideExecSeams points the executable seams at exe for the duration of
// the test. Tests using it must not run in parallel.
func overrideExecSeams(t *testing.T, exe string, err error) {
	t.Helper()

	origExec, origEval := osExecutable, evalSymlinks
	t.Cleanup(func() {
		osExecutable, evalSymlinks = origExec, origEval
	})
	osExecutable = func() (string, error) { return exe, err }
	evalSymlinks = func(p string) (string, error) { return p, nil }
}

//nolint:paralleltest // Mutates package-level test seams.
func TestLocateInstallation_Defaults(t *testing.T) {
	root := t.TempDir()
	overrideExecSeams(t, filepath.Join(root, "bin", "bpm.exe"), nil)

	inst, err := LocateInstallation(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Root != root || inst.Executable != "bin/bpm.exe" {
		t.Errorf("got %+v", inst)
	}

	inst, err = LocateInstallation("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Root != filepath.Join(root, "bin") || inst.Executable != "bpm.exe" {
		t.Errorf("root defaulted wrongly: %+v", inst)
	}
}

//nolint:paralleltest // Mutates package-level test seams.
func TestLocateInstallation_ExecutableOutsideRoot(t *testing.T) {
	root := t.TempDir()
	overrideExecSeams(t, filepath.Join(t.TempDir(), "go-build", "bpm-update"), nil)

	inst, err := LocateInstallation(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Executable != "" {
		t.Errorf("executable outside the root should be empty, got %q", inst.Executable)
	}

	inst, err = LocateInstallation(root, `launcher\bpm.exe`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Separator == '/' && inst.Executable != `launcher\bpm.exe` {
		t.Errorf("explicit executable altered: %q", inst.Executable)
	}
}

//nolint:paralleltest // Mutates package-level test seams.
func TestLocateInstallation_ExecutableError(t *testing.T) {
	overrideExecSeams(t, "", errors.New("no procfs"))

	if _, err := LocateInstallation("", ""); err == nil {
		t.Error("expected an error when neither root nor executable can be determined")
	}
	inst, err := LocateInstallation(t.TempDir(), "bpm.exe")
	if err != nil || inst.Executable != "bpm.exe" {
		t.Errorf("explicit values should not need the executable: %+v, %v", inst, err)
	}
}
