// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates documents against embedded CUE schemas and turns
// CUE errors into path-prefixed messages ("update.keep_backups: ...").
package cueutil
