// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/selfupdate"
)

type manifestGenerateFlags struct {
	root            string
	version         string
	baseURL         string
	requiredVersion string
	description     string
	include         []string
	exclude         []string
	output          string
}

func newManifestCommand(app *App) *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with release manifests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	manifestCmd.AddCommand(newManifestGenerateCommand(app))
	return manifestCmd
}

func newManifestGenerateCommand(app *App) *cobra.Command {
	var flags manifestGenerateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Describe a release tree as an update manifest",
		Long: `Describe a release tree as an update manifest.

Every file under --dir is hashed with the same canonicalization the updater
verifies with, so text files hash identically with LF and CRLF line endings.
File URLs are <base-url>/v<version>/<path>.`,
		Example: `  bpm-update manifest generate --dir ./dist --version 1.2.0 \
    --base-url https://downloads.example.com/bpm -o update_manifest.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}

			var exclude []string
			if cmd.Flags().Changed("exclude") {
				exclude = flags.exclude
			}
			m, err := selfupdate.GenerateManifest(cmd.Context(), selfupdate.GenerateOptions{
				Root:            flags.root,
				Version:         flags.version,
				BaseURL:         flags.baseURL,
				RequiredVersion: flags.requiredVersion,
				Description:     flags.description,
				Include:         flags.include,
				Exclude:         exclude,
				Hasher:          contenthash.New(cfg.Update.TextExtensions),
			})
			if err != nil {
				return err
			}

			if flags.output == "" || flags.output == "-" {
				data, err := m.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := selfupdate.WriteManifest(flags.output, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s Wrote %d files (%s) to %s\n",
				SuccessStyle.Render("✓"), len(m.Files), formatBytes(manifest.TotalSize(m.Files)), flags.output)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.root, "dir", ".", "release tree to describe")
	cmd.Flags().StringVar(&flags.version, "version", "", "release version, e.g. 1.2.0")
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "URL prefix of the published files")
	cmd.Flags().StringVar(&flags.requiredVersion, "required-version", "", "minimum installed version able to apply this release")
	cmd.Flags().StringVar(&flags.description, "description", "", "release description")
	cmd.Flags().StringSliceVar(&flags.include, "include", nil, "only describe matching paths (repeatable)")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "skip matching paths (default excludes logs, backups and local settings)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the manifest to this file instead of stdout")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
