// SPDX-License-Identifier: MPL-2.0

// Package version parses and orders release versions of the installed
// application. Versions are dotted non-negative integers; shorter forms are
// zero-padded before comparison, so "1.2" and "1.2.0" are equal.
package version
