// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/selfupdate"
)

type (
	checkFlags struct {
		version string
		output  string
		notes   bool
	}

	// checkReport is the structured form of a check.
	checkReport struct {
		Available         bool   `json:"available" yaml:"available"`
		CurrentVersion    string `json:"current_version" yaml:"current_version"`
		VersionSource     string `json:"version_source" yaml:"version_source"`
		Version           string `json:"version,omitempty" yaml:"version,omitempty"`
		Tag               string `json:"tag,omitempty" yaml:"tag,omitempty"`
		Location          string `json:"location,omitempty" yaml:"location,omitempty"`
		IntegrityDegraded bool   `json:"integrity_degraded" yaml:"integrity_degraded"`
		Message           string `json:"message" yaml:"message"`
		ReleaseURL        string `json:"release_url,omitempty" yaml:"release_url,omitempty"`
	}
)

func newCheckCommand(app *App) *cobra.Command {
	var flags checkFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a newer release is available",
		Long: `Report whether a newer release is available.

The check only reads from the registry; it never changes the installation.`,
		Example: `  bpm-update check
  bpm-update check --version 1.2.0 --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(flags.output); err != nil {
				return err
			}
			env, err := app.newUpdateEnv(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			res, err := env.updater.Check(cmd.Context(), flags.version)
			if err != nil {
				return err
			}

			report := newCheckReport(res, env.source)
			out := cmd.OutOrStdout()
			if flags.output != outputText {
				return writeStructured(out, flags.output, report)
			}
			printCheck(out, report)
			if flags.notes && res.Available && res.Release != nil && strings.TrimSpace(res.Release.Body) != "" {
				fmt.Fprintln(out)
				fmt.Fprint(out, renderMarkdown(res.Release.Body))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.version, "version", "", "check for a specific release instead of the latest")
	cmd.Flags().StringVarP(&flags.output, "output", "o", outputText, "output format: text, json or yaml")
	cmd.Flags().BoolVar(&flags.notes, "notes", true, "show release notes of an available update")
	return cmd
}

func newCheckReport(res *selfupdate.CheckResult, source selfupdate.VersionSource) checkReport {
	r := checkReport{
		Available:         res.Available,
		CurrentVersion:    res.CurrentVersion,
		VersionSource:     string(source),
		Version:           res.Version,
		Tag:               res.Tag,
		IntegrityDegraded: res.IntegrityDegraded,
		Message:           res.Message,
	}
	if res.Available {
		r.Location = res.Location()
	}
	if res.Release != nil {
		r.ReleaseURL = res.Release.HTMLURL
	}
	return r
}

func printCheck(w io.Writer, r checkReport) {
	writeKV(w, "Current version:", CmdStyle.Render(r.CurrentVersion)+SubtitleStyle.Render(" ("+r.VersionSource+")"))
	if r.Version != "" {
		writeKV(w, "Release:", CmdStyle.Render(r.Version))
	}
	fmt.Fprintln(w)
	if !r.Available {
		fmt.Fprintln(w, SuccessStyle.Render(r.Message))
		return
	}
	fmt.Fprintln(w, SuccessStyle.Render(fmt.Sprintf("An update is available: %s -> %s", r.CurrentVersion, r.Version)))
	if r.IntegrityDegraded {
		fmt.Fprintln(w, WarningStyle.Render("This release publishes no file manifest; files can only be installed from an unverified source snapshot."))
	}
	fmt.Fprintln(w, "Run "+CmdStyle.Render("bpm-update apply")+" to install.")
}
