// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/selfupdate"
	"github.com/bprojman/bpm-update/internal/version"
)

// releaseEntry is the structured form of one listed release.
type releaseEntry struct {
	Tag         string `json:"tag" yaml:"tag"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	PublishedAt string `json:"published_at,omitempty" yaml:"published_at,omitempty"`
	HasManifest bool   `json:"has_manifest" yaml:"has_manifest"`
	Installed   bool   `json:"installed" yaml:"installed"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
}

func newReleasesCommand(app *App) *cobra.Command {
	var (
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List published releases, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			env, err := app.newUpdateEnv(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			rels, err := env.updater.Releases(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(rels) > limit {
				rels = rels[:limit]
			}
			entries := releaseEntries(rels, env.installed, env.cfg.Registry.ManifestAsset)

			if output != outputText {
				return writeStructured(cmd.OutOrStdout(), output, entries)
			}
			printReleases(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of releases to list (0 lists all)")
	return cmd
}

func releaseEntries(rels []selfupdate.Release, installed version.Version, manifestAsset string) []releaseEntry {
	entries := make([]releaseEntry, 0, len(rels))
	for i := range rels {
		r := &rels[i]
		e := releaseEntry{
			Tag:         r.TagName,
			Name:        r.Name,
			PublishedAt: r.PublishedAt,
			HasManifest: r.FindAsset(manifestAsset) != nil,
			URL:         r.HTMLURL,
		}
		if v, err := version.Parse(r.TagName); err == nil && v.Equal(installed) {
			e.Installed = true
		}
		entries = append(entries, e)
	}
	return entries
}

func printReleases(w io.Writer, entries []releaseEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No releases published."))
		return
	}
	for _, e := range entries {
		line := keyStyle.Render(e.Tag) + e.PublishedAt
		if !e.HasManifest {
			line += WarningStyle.Render("  (no manifest)")
		}
		if e.Installed {
			line += SuccessStyle.Render("  (installed)")
		}
		fmt.Fprintln(w, line)
	}
}
