// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/issue"
	"github.com/bprojman/bpm-update/internal/platform"
	"github.com/bprojman/bpm-update/internal/selfupdate"
)

// applyParams bundles the dependencies and flags for the apply command,
// enabling the core logic in runApply to be tested without a real Cobra
// command.
type applyParams struct {
	stdout      io.Writer
	env         *updateEnv
	confirm     ConfirmFunc
	interactive bool
	target      string // target version (empty = latest)
	yes         bool   // --yes flag: skip confirmation prompt
	noRestart   bool   // --no-restart: replace deferred files without relaunching
}

func newApplyCommand(app *App) *cobra.Command {
	var (
		target    string
		yes       bool
		noRestart bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Download and install the latest release or a specific version",
		Long: `Download and install the latest release or a specific version.

Only files whose content differs from the installation are downloaded. Each
file is verified against the release manifest before anything is changed,
and the installation is backed up first. Files the running application holds
open are replaced by a restart handoff once it exits.`,
		Example: `  # Install the latest release
  bpm-update apply

  # Install a specific version without prompting
  bpm-update apply --version 1.2.0 --yes

  # Replace files but do not relaunch the application
  bpm-update apply --no-restart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkNotSandboxed(app.Sandbox()); err != nil {
				return err
			}
			var launcher []string
			if noRestart {
				launcher = []string{}
			}
			env, err := app.newUpdateEnv(cmd.Context(), launcher)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			return runApply(cmd.Context(), applyParams{
				stdout:      cmd.OutOrStdout(),
				env:         env,
				confirm:     app.Confirm,
				interactive: app.Interactive(),
				target:      target,
				yes:         yes,
				noRestart:   noRestart,
			})
		},
	}

	cmd.Flags().StringVar(&target, "version", "", "install a specific release instead of the latest")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "do not relaunch the application after the update")
	return cmd
}

// checkNotSandboxed refuses to touch installations owned by a Flatpak or
// Snap package; their files are read-only and updated by the package manager.
func checkNotSandboxed(st platform.SandboxType) error {
	if st == platform.SandboxNone {
		return nil
	}
	return issue.NewErrorContext().
		WithOperation("apply update").
		WithResource(string(st)).
		WithSuggestion("Update bpm with: " + platform.UpdateCommand(st)).
		WithIssue(issue.ManagedInstallationId).
		Wrap(fmt.Errorf("bpm runs inside a %s sandbox", st)).
		BuildError()
}

// runApply is the core apply logic, separated from Cobra for testability.
//
// Flow:
//  1. Check for an available update.
//  2. If up to date, print status and return.
//  3. Confirm with the user (unless --yes).
//  4. Stage, back up and apply, printing progress.
//  5. Start the restart handoff when files were deferred to it.
func runApply(ctx context.Context, p applyParams) error {
	u := p.env.updater
	res, err := u.Check(ctx, p.target)
	if err != nil {
		return err
	}

	writeKV(p.stdout, "Current version:", CmdStyle.Render(res.CurrentVersion))
	if res.Version != "" {
		writeKV(p.stdout, "Release:", CmdStyle.Render(res.Version))
	}
	if !res.Available {
		fmt.Fprintf(p.stdout, "\n%s\n", SuccessStyle.Render(res.Message))
		return nil
	}
	if res.IntegrityDegraded {
		fmt.Fprintln(p.stdout, WarningStyle.Render("\nThis release publishes no file manifest; it installs from an unverified source snapshot."))
	}

	if !p.yes {
		if !p.interactive {
			return issue.NewErrorContext().
				WithOperation("confirm update").
				WithResource(res.Version).
				WithSuggestion("Re-run with --yes to install without a prompt").
				Wrap(errors.New("confirmation required but stdin is not a terminal")).
				BuildError()
		}
		confirmed, confirmErr := p.confirm(
			fmt.Sprintf("Update bpm from %s to %s?", res.CurrentVersion, res.Version),
			"The installation is backed up before any file is replaced.",
		)
		if confirmErr != nil {
			return fmt.Errorf("confirmation prompt: %w", confirmErr)
		}
		if !confirmed {
			fmt.Fprintln(p.stdout, SubtitleStyle.Render("Update canceled."))
			return nil
		}
	}

	fmt.Fprintln(p.stdout)
	unsubscribe := u.Subscribe(func(e selfupdate.Event) {
		if ev, ok := e.(selfupdate.EventProgress); ok {
			fmt.Fprintf(p.stdout, "%s %s\n", SubtitleStyle.Render(fmt.Sprintf("[%3d%%]", ev.Percent)), ev.Message)
		}
	})
	out, err := u.Apply(ctx, res)
	unsubscribe()
	if err != nil {
		return err
	}

	fmt.Fprintln(p.stdout)
	writeKV(p.stdout, "Session:", out.SessionID)
	writeKV(p.stdout, "Files replaced:", fmt.Sprint(len(out.Applied)))
	writeKV(p.stdout, "Deferred:", fmt.Sprint(len(out.Deferred)))
	if out.Backup != "" {
		writeKV(p.stdout, "Backup:", CmdStyle.Render(out.Backup))
	}
	if out.Degraded {
		fmt.Fprintln(p.stdout, WarningStyle.Render("Installed from an unverified source snapshot."))
	}

	if out.Script == "" {
		fmt.Fprintln(p.stdout, SuccessStyle.Render(fmt.Sprintf("Successfully updated to %s", out.Version)))
		return nil
	}
	if err := u.StartHandoff(out); err != nil {
		return err
	}
	if p.noRestart {
		fmt.Fprintln(p.stdout, SuccessStyle.Render(fmt.Sprintf("Updated to %s; remaining files are replaced once bpm exits.", out.Version)))
	} else {
		fmt.Fprintln(p.stdout, SuccessStyle.Render(fmt.Sprintf("Updated to %s; bpm restarts to finish the update.", out.Version)))
	}
	return nil
}
