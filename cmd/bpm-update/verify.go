// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/issue"
	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/selfupdate"
)

func newVerifyCommand(app *App) *cobra.Command {
	var (
		source string
		output string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the installation against a release manifest",
		Long: `Check the installation against a release manifest.

Every file listed in the manifest is re-hashed and compared. By default the
manifest of the installed release is fetched from the registry; --manifest
accepts a local file or an http(s) URL instead. Nothing is modified.`,
		Example: `  bpm-update verify
  bpm-update verify --manifest ./update_manifest.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			env, err := app.newUpdateEnv(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			m, err := loadVerifyManifest(cmd.Context(), env, source)
			if err != nil {
				return err
			}
			report, err := selfupdate.VerifyInstallation(cmd.Context(), env.inst.Root, m, env.updater.Hasher())
			if err != nil {
				return err
			}

			if output != outputText {
				if err := writeStructured(cmd.OutOrStdout(), output, report); err != nil {
					return err
				}
			} else {
				printVerify(cmd.OutOrStdout(), m, report)
			}
			if !report.OK() {
				return &ExitError{Code: ExitUserError}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "manifest", "", "manifest file or URL (default is the installed release's manifest)")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func loadVerifyManifest(ctx context.Context, env *updateEnv, source string) (*manifest.Manifest, error) {
	client := env.updater.Client()
	if source != "" && !isURL(source) {
		m, err := selfupdate.LoadManifestFile(source)
		if err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("load manifest").
				WithResource(source).
				WithIssue(issue.ManifestInconsistentId).
				Wrap(err).
				BuildError()
		}
		return m, nil
	}

	if source == "" {
		tag := "v" + env.installed.String()
		rel, err := client.GetReleaseByTag(ctx, tag)
		if err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("resolve installed release").
				WithResource(tag).
				WithSuggestion("Pass --manifest with a local manifest file").
				WithIssue(issue.ResolutionFailedId).
				Wrap(err).
				BuildError()
		}
		asset := rel.FindAsset(env.cfg.Registry.ManifestAsset)
		if asset == nil {
			return nil, issue.NewErrorContext().
				WithOperation("resolve installed release").
				WithResource(tag).
				WithSuggestion("This release publishes no manifest; pass --manifest instead").
				WithIssue(issue.ManifestInconsistentId).
				Wrap(fmt.Errorf("release %s has no %s asset", tag, env.cfg.Registry.ManifestAsset)).
				BuildError()
		}
		source = asset.BrowserDownloadURL
	}

	data, err := client.Fetch(ctx, source, manifest.MaxManifestBytes)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("download manifest").
			WithResource(source).
			WithIssue(issue.ResolutionFailedId).
			Wrap(err).
			BuildError()
	}
	m, err := manifest.Parse(data, source)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("load manifest").
			WithResource(source).
			WithIssue(issue.ManifestInconsistentId).
			Wrap(err).
			BuildError()
	}
	return m, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func printVerify(w io.Writer, m *manifest.Manifest, r *selfupdate.VerifyReport) {
	writeKV(w, "Manifest version:", CmdStyle.Render(m.Version))
	writeKV(w, "Files checked:", fmt.Sprint(r.Checked))
	for _, p := range r.Missing {
		fmt.Fprintln(w, ErrorStyle.Render("  missing   ")+p)
	}
	for _, p := range r.Corrupted {
		fmt.Fprintln(w, ErrorStyle.Render("  modified  ")+p)
	}
	fmt.Fprintln(w)
	if r.OK() {
		fmt.Fprintln(w, SuccessStyle.Render("Installation matches the manifest."))
		return
	}
	fmt.Fprintln(w, WarningStyle.Render(fmt.Sprintf("%d missing, %d modified. Copy the files back from a snapshot listed by bpm-update backups.",
		len(r.Missing), len(r.Corrupted))))
}
