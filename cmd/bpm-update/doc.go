// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the bpm-update command line: checking for and
// applying incremental updates, listing releases, generating and verifying
// manifests, and inspecting configuration and update history.
package cmd
