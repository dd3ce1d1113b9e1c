// SPDX-License-Identifier: MPL-2.0

// Package manifest defines the release manifest: the machine-readable
// description of one release's file set with a per-file content hash, size,
// and download URL. Manifests are JSON documents validated against an
// embedded CUE schema (manifest_schema.cue) before they are decoded.
package manifest
