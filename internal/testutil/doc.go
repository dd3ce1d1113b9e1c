// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by the package tests: file tree
// fixtures, working directory and home directory overrides, a controllable
// clock and a limiter for container-backed integration tests.
package testutil
