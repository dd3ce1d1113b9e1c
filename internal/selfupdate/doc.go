// SPDX-License-Identifier: MPL-2.0

// Package selfupdate keeps an installed application current with the
// releases published on a GitHub-compatible Releases API.
//
// An Updater runs update sessions against one installation root:
//   - github.go: HTTP client for the Releases API (latest, by tag, list, download)
//   - resolver.go, fetcher.go: version resolution and manifest validation
//   - snapshot.go: the unverified source-snapshot fallback
//   - updater.go: the session driver composing staging, backup, apply and handoff
//   - session.go, events.go, errors.go: the session state machine, its event
//     stream and the error taxonomy
//   - generator.go, verifier.go: the publishing side (manifest generation) and
//     installation audits
//
// Check never touches the installation. Apply either completes, rolls back
// every file it touched, or aborts before touching anything.
package selfupdate
