// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/selfupdate"
)

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the updater and installed application versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			writeKV(w, "bpm-update:", getVersionString())

			cfg, _, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			inst, err := app.installation(cfg)
			if err != nil {
				writeKV(w, "Installation:", SubtitleStyle.Render("(not found)"))
				return nil //nolint:nilerr // The updater version is still useful without an installation.
			}
			installed, source, err := selfupdate.InstalledVersion(cfg.Install.CurrentVersion, inst.Root, Version)
			if err != nil {
				writeKV(w, "Installed bpm:", SubtitleStyle.Render("(unknown)"))
				return nil //nolint:nilerr // See above.
			}
			writeKV(w, "Installation:", CmdStyle.Render(inst.Root))
			writeKV(w, "Installed bpm:", fmt.Sprintf("%s %s", installed, SubtitleStyle.Render("("+string(source)+")")))
			return nil
		},
	}
}
