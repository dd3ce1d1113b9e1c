// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"os"
	"sync"
)

const (
	// SandboxNone indicates no sandbox environment detected.
	SandboxNone SandboxType = ""
	// SandboxFlatpak indicates a Flatpak sandbox environment.
	SandboxFlatpak SandboxType = "flatpak"
	// SandboxSnap indicates a Snap sandbox environment.
	SandboxSnap SandboxType = "snap"
)

// detectOnce caches the sandbox detection result for the lifetime of the
// process. detectSandboxFrom must not panic: sync.OnceValue re-panics on
// every later call.
//
//nolint:gochecknoglobals // Process-wide cache of immutable state.
var detectOnce = sync.OnceValue(func() SandboxType {
	return detectSandboxFrom(os.Getenv, statFile)
})

// SandboxType identifies the type of application sandbox, if any.
type SandboxType string

// DetectSandbox returns the sandbox the current process runs in. Flatpak
// is recognized by /.flatpak-info, Snap by SNAP_NAME. The result is cached.
func DetectSandbox() SandboxType {
	return detectOnce()
}

// UpdateCommand returns the package manager command that updates
// applications installed in st, or "" for SandboxNone.
func UpdateCommand(st SandboxType) string {
	switch st {
	case SandboxFlatpak:
		return "flatpak update"
	case SandboxSnap:
		return "snap refresh"
	case SandboxNone:
		return ""
	default:
		return ""
	}
}

// detectSandboxFrom performs detection with injected lookups so tests do
// not depend on process-wide state.
func detectSandboxFrom(lookupEnv func(string) string, statFile func(string) error) SandboxType {
	// Flatpak takes precedence; /.flatpak-info exists in every Flatpak sandbox.
	if err := statFile("/.flatpak-info"); err == nil {
		return SandboxFlatpak
	}
	if lookupEnv("SNAP_NAME") != "" {
		return SandboxSnap
	}
	return SandboxNone
}

func statFile(path string) error {
	_, err := os.Stat(path)
	return err
}
