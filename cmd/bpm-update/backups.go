// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/backup"
)

// backupEntry is the structured form of one snapshot.
type backupEntry struct {
	Path      string    `json:"path" yaml:"path"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func newBackupsCommand(app *App) *cobra.Command {
	backupsCmd := &cobra.Command{
		Use:   "backups",
		Short: "List and prune installation snapshots",
		Long: `List and prune installation snapshots.

A snapshot of the installation is taken before every update. Snapshots
live in the configured backup directory; the newest update.keep_backups
are retained after each update.`,
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
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

			snaps, err := env.updater.Backups().List()
			if err != nil {
				return err
			}
			entries := make([]backupEntry, 0, len(snaps))
			for _, s := range snaps {
				entries = append(entries, backupEntry{Path: s.Path, CreatedAt: s.CreatedAt})
			}
			if output != outputText {
				return writeStructured(cmd.OutOrStdout(), output, entries)
			}
			printBackups(cmd.OutOrStdout(), env.updater.Backups(), entries)
			return nil
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")

	var keep int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := app.newUpdateEnv(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close() }()

			removed, err := env.updater.Backups().Prune(keep)
			for _, p := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", SuccessStyle.Render("✓"), p)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("Nothing to prune."))
			}
			return nil
		},
	}
	pruneCmd.Flags().IntVar(&keep, "keep", 0, "snapshots to keep (default is update.keep_backups)")

	backupsCmd.AddCommand(listCmd, pruneCmd)
	return backupsCmd
}

func printBackups(w io.Writer, m *backup.Manager, entries []backupEntry) {
	writeKV(w, "Backup directory:", CmdStyle.Render(m.Dir()))
	fmt.Fprintln(w)
	if len(entries) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No snapshots."))
		return
	}
	for _, e := range entries {
		fmt.Fprintln(w, keyStyle.Render(e.CreatedAt.Format(time.DateTime))+e.Path)
	}
}
