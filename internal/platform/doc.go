// SPDX-License-Identifier: MPL-2.0

// Package platform provides cross-platform compatibility utilities.
//
// It holds the GOOS name constants, portability checks for release paths
// that must be writable on every supported platform, and detection of
// application sandboxes (Flatpak, Snap) whose installations are read-only.
package platform
