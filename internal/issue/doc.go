// SPDX-License-Identifier: MPL-2.0

// Package issue turns updater failures into messages a user can act on.
//
// ActionableError carries the failed operation, its resource and remediation
// steps; the catalog maps each failure class to a Markdown troubleshooting
// page that the CLI renders with glamour in verbose mode.
package issue
