// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"runtime"
	"testing"

	"github.com/bprojman/bpm-update/internal/platform"
)

// SetHomeDir points the platform home directory variable at dir for the
// rest of the test: USERPROFILE on Windows, HOME elsewhere. It also clears
// XDG_CONFIG_HOME so config lookups fall back to the home directory.
func SetHomeDir(t testing.TB, dir string) {
	t.Helper()

	switch runtime.GOOS {
	case platform.Windows:
		t.Setenv("USERPROFILE", dir)
		t.Setenv("APPDATA", "")
	default:
		t.Setenv("HOME", dir)
		t.Setenv("XDG_CONFIG_HOME", "")
	}
}
