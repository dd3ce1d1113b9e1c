// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bprojman/bpm-update/internal/issue"
	"github.com/bprojman/bpm-update/internal/selfupdate"
)

// issueFor returns the catalog entry that explains err, or 0.
func issueFor(err error) issue.Id {
	var ae *issue.ActionableError
	if errors.As(err, &ae) && ae.Issue != 0 {
		return ae.Issue
	}

	var rl *selfupdate.RateLimitError
	switch {
	case errors.As(err, &rl):
		return issue.RateLimitedId
	case errors.Is(err, selfupdate.ErrSessionActive):
		return issue.SessionActiveId
	case errors.Is(err, selfupdate.ErrUnverifiedRefused):
		return issue.UnverifiedSnapshotRefusedId
	case errors.Is(err, selfupdate.ErrResolutionFailed), errors.Is(err, selfupdate.ErrDownloadFailed):
		return issue.ResolutionFailedId
	case errors.Is(err, selfupdate.ErrManifestInconsistent):
		return issue.ManifestInconsistentId
	case errors.Is(err, selfupdate.ErrIntegrityCheckFailed):
		return issue.IntegrityCheckFailedId
	case errors.Is(err, selfupdate.ErrBackupFailed):
		return issue.BackupFailedId
	case errors.Is(err, selfupdate.ErrApplyFailed):
		return issue.ApplyFailedId
	case errors.Is(err, selfupdate.ErrHandoffFailed):
		return issue.HandoffFailedId
	case errors.Is(err, os.ErrPermission):
		return issue.PermissionDeniedId
	}
	return 0
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}

	msg := err.Error()
	var se *selfupdate.StageError
	if errors.As(err, &se) {
		switch {
		case se.RolledBack:
			msg += "\n\n" + WarningStyle.Render("The installation was restored to its previous state.")
		case se.Retryable:
			msg += "\n\n" + SubtitleStyle.Render("Nothing was changed. This error is transient; retry later.")
		}
	}
	return msg
}

// renderError writes err to w. Verbose output appends the markdown page of
// the matching catalog issue.
func renderError(w io.Writer, err error, verboseMode bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verboseMode))

	if !verboseMode {
		if id := issueFor(err); id != 0 {
			fmt.Fprintln(w, SubtitleStyle.Render("Run again with --verbose for troubleshooting steps."))
		}
		return
	}
	if id := issueFor(err); id != 0 {
		rendered, renderErr := issue.Get(id).Render("auto")
		if renderErr == nil {
			fmt.Fprint(w, strings.TrimRight(rendered, "\n")+"\n")
		}
	}
}
