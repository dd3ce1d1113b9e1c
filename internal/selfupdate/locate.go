// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"fmt"
	"os"
	"path/filepath"
)

var (
	//nolint:gochecknoglobals // Test seam for os.Executable().
	osExecutable = os.Executable

	//nolint:gochecknoglobals // Test seam for filepath.EvalSymlinks().
	evalSymlinks = filepath.EvalSymlinks
)

// Installation locates the files an update operates on.
type Installation struct {
	// Root is the absolute installation root.
	Root string
	// Executable is the running executable relative to Root, or "" when it
	// lives outside Root.
	Executable string
}

// LocateInstallation returns the installation described by root and
// executable. An empty root defaults to the directory of the running
// executable; an empty executable defaults to the running executable when it
// lives under root.
func LocateInstallation(root, executable string) (Installation, error) {
	var inst Installation

	self, err := resolveExecPath()
	if err != nil && (root == "" || executable == "") {
		return inst, err
	}

	if root == "" {
		root = filepath.Dir(self)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return inst, fmt.Errorf("resolving installation root: %w", err)
	}
	inst.Root = abs

	if executable != "" {
		inst.Executable = filepath.ToSlash(filepath.Clean(executable))
		return inst, nil
	}
	if rel, relErr := filepath.Rel(abs, self); relErr == nil && filepath.IsLocal(rel) {
		inst.Executable = filepath.ToSlash(rel)
	}
	return inst, nil
}

// resolveExecPath returns the absolute, symlink-resolved path to the currently
// running binary.
func resolveExecPath() (string, error) {
	p, err := osExecutable()
	if err != nil {
		return "", fmt.Errorf("determining executable path: %w", err)
	}

	resolved, err := evalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks for %s: %w", p, err)
	}

	return resolved, nil
}
