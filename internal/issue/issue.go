// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Id int

const (
	ConfigLoadFailedId Id = iota + 1
	InstallationNotFoundId
	ResolutionFailedId
	RateLimitedId
	ManifestInconsistentId
	IntegrityCheckFailedId
	UnverifiedSnapshotRefusedId
	BackupFailedId
	ApplyFailedId
	HandoffFailedId
	SessionActiveId
	PermissionDeniedId
	ManagedInstallationId
)

type MarkdownMsg string

type HttpLink string

type Renderer interface {
	Render(in string, stylePath string) (string, error)
}

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink  // documentation pages for this issue type
	extLinks []HttpLink  // external links that might be useful for the user
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	var extra strings.Builder
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extra.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			extra.WriteString("- <" + string(link) + ">\n")
		}
		for _, link := range i.extLinks {
			extra.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(string(i.mdMsg)+extra.String(), stylePath)
}

const docsBase = "https://github.com/bprojman/bpm-update/blob/main/docs/troubleshooting.md"

//nolint:gochecknoglobals // Read-only catalog and test seam.
var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

The configuration file could not be read or does not match the schema.

## Things you can try:
- Show the effective configuration:
~~~
$ bpm-update config show
~~~
- Write a fresh file with the defaults:
~~~
$ bpm-update config init --force
~~~
- Check environment variables starting with BPM_UPDATE_`,
		docLinks: []HttpLink{docsBase + "#configuration"},
	}

	installationNotFoundIssue = &Issue{
		id: InstallationNotFoundId,
		mdMsg: `
# Installation not found!

The installation root does not exist or the running executable could not be located.

## Things you can try:
- Pass the installation root explicitly with --root
- Set install.root in the configuration file`,
	}

	resolutionFailedIssue = &Issue{
		id: ResolutionFailedId,
		mdMsg: `
# Could not reach the release registry!

No release information could be retrieved. Nothing on disk was changed.

## Things you can try:
- Check your network connection and proxy settings
- Verify registry.owner and registry.repo in the configuration
- Retry later; this error is transient`,
		docLinks: []HttpLink{docsBase + "#registry"},
	}

	rateLimitedIssue = &Issue{
		id: RateLimitedId,
		mdMsg: `
# Release registry rate limit exceeded!

Anonymous requests are limited per hour.

## Things you can try:
- Wait until the reset time shown in the error
- Provide a token through BPM_UPDATE_REGISTRY_TOKEN or GITHUB_TOKEN`,
		extLinks: []HttpLink{"https://docs.github.com/en/rest/using-the-rest-api/rate-limits-for-the-rest-api"},
	}

	manifestInconsistentIssue = &Issue{
		id: ManifestInconsistentId,
		mdMsg: `
# The release manifest is inconsistent!

The manifest is missing, malformed, does not match the release it belongs to,
or requires a newer installed version than this one.

## Things you can try:
- Check the release page for a full installer
- Report the problem to the release maintainers`,
	}

	integrityCheckFailedIssue = &Issue{
		id: IntegrityCheckFailedId,
		mdMsg: `
# Downloaded content failed verification!

At least one file did not match its published hash. The staged files were
discarded and the installation was not touched.

## Things you can try:
- Retry the update; the download may have been corrupted in transit
- If it keeps failing, report the release as broken`,
	}

	unverifiedSnapshotRefusedIssue = &Issue{
		id: UnverifiedSnapshotRefusedId,
		mdMsg: `
# Release has no manifest!

The release does not publish a manifest, so its files cannot be verified.
Unverified updates are refused by default.

## Things you can try:
- Wait for a release that publishes a manifest
- Opt in to unverified snapshots (not recommended):
~~~cue
update: allow_unverified_snapshot: true
~~~`,
	}

	backupFailedIssue = &Issue{
		id: BackupFailedId,
		mdMsg: `
# Backup failed!

A backup of the files about to be replaced could not be completed, so the
update was aborted before any file was changed.

## Things you can try:
- Free disk space in the installation root
- Check write permission on the backup directory`,
	}

	applyFailedIssue = &Issue{
		id: ApplyFailedId,
		mdMsg: `
# Update could not be applied!

Replacing files failed part way. Every file that was changed has been
restored from the backup.

## Things you can try:
- Close other programs that may hold files in the installation open
- Check the rotated log under the log directory for the failing path
- Retry the update`,
	}

	handoffFailedIssue = &Issue{
		id: HandoffFailedId,
		mdMsg: `
# Restart helper could not be started!

The files that can only be replaced after exit were not replaced and the
installation was restored.

## Things you can try:
- Check that a shell (sh or cmd.exe) is available
- Retry the update with --no-restart and restart manually`,
	}

	sessionActiveIssue = &Issue{
		id: SessionActiveId,
		mdMsg: `
# Another update is already running!

Only one update session may operate on an installation at a time.

## Things you can try:
- Wait for the other session to finish
- If no update is running, remove the stale lock file .bpm-update.lock`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

The updater cannot write to the installation root.

## Things you can try:
- Run the updater as the user that owns the installation
- Check file and directory permissions`,
	}

	managedInstallationIssue = &Issue{
		id: ManagedInstallationId,
		mdMsg: `
# Installation is managed by a sandbox!

bpm was installed through Flatpak or Snap. Its files are read-only and are
updated by the package manager.

## Things you can try:
~~~
$ flatpak update
$ snap refresh
~~~`,
	}

	issues = map[Id]*Issue{
		configLoadFailedIssue.Id():          configLoadFailedIssue,
		installationNotFoundIssue.Id():      installationNotFoundIssue,
		resolutionFailedIssue.Id():          resolutionFailedIssue,
		rateLimitedIssue.Id():               rateLimitedIssue,
		manifestInconsistentIssue.Id():      manifestInconsistentIssue,
		integrityCheckFailedIssue.Id():      integrityCheckFailedIssue,
		unverifiedSnapshotRefusedIssue.Id(): unverifiedSnapshotRefusedIssue,
		backupFailedIssue.Id():              backupFailedIssue,
		applyFailedIssue.Id():               applyFailedIssue,
		handoffFailedIssue.Id():             handoffFailedIssue,
		sessionActiveIssue.Id():             sessionActiveIssue,
		permissionDeniedIssue.Id():          permissionDeniedIssue,
		managedInstallationIssue.Id():       managedInstallationIssue,
	}
)

// Values returns every catalogued issue ordered by ID.
func Values() []*Issue {
	all := maps.Values(issues)
	slices.SortFunc(all, func(a, b *Issue) int { return int(a.id - b.id) })
	return all
}

func Get(id Id) *Issue {
	return issues[id]
}
