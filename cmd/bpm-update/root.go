// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Set via -ldflags.
var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bpm-update",
		Short: "Update a bpm installation from its release registry",
		Long: TitleStyle.Render("bpm-update") + SubtitleStyle.Render(" - Update a bpm installation from its release registry") + `

bpm-update resolves the newest release on the registry, fetches its file
manifest, downloads and verifies only the files that changed, backs up the
installation and applies the update. Files held by the running application
are replaced by a restart handoff after it exits.

` + SubtitleStyle.Render("Examples:") + `
  bpm-update check            Report whether an update is available
  bpm-update apply            Download and install the latest release
  bpm-update apply --version 1.2.0
  bpm-update releases         List published releases
  bpm-update verify           Check the installation against its manifest
  bpm-update config show      Show the effective configuration`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.flags.configPath, "config", "", "config file (default is $HOME/.config/bpm-update/config.cue)")
	rootCmd.PersistentFlags().StringVar(&app.flags.root, "root", "", "installation root (default is install.root or the executable's directory)")

	rootCmd.AddCommand(
		newCheckCommand(app),
		newApplyCommand(app),
		newReleasesCommand(app),
		newVerifyCommand(app),
		newManifestCommand(app),
		newBackupsCommand(app),
		newHistoryCommand(app),
		newConfigCommand(app),
		newVersionCommand(app),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits with the code matching the outcome.
// This is called by main.main().
func Execute() {
	os.Exit(Run())
}

// Run executes the root command with os.Args and returns the process exit
// code.
func Run() int {
	app := NewApp(Dependencies{})
	rootCmd := NewRootCommand(app)

	err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			renderError(w, err, app.flags.verbose)
		}),
	)
	return exitCode(err)
}
