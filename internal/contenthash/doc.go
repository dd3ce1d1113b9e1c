// SPDX-License-Identifier: MPL-2.0

// Package contenthash computes stable SHA-256 content hashes for installed
// files and compares a local tree against a release manifest.
//
// Files whose extension is in the text allow-list are canonicalized before
// hashing: a leading UTF-8 BOM is dropped, CRLF and lone CR line endings
// become LF, trailing whitespace is stripped from every line, and trailing
// blank lines are removed. Everything else is hashed as raw bytes. The same
// Hasher configuration must be used to produce and to check manifests.
package contenthash
