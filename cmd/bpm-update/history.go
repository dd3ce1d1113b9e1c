// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/history"
)

func newHistoryCommand(app *App) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded update attempts, newest first",
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

			attempts := []history.Attempt{}
			if env.history != nil {
				if attempts, err = env.history.List(cmd.Context(), limit); err != nil {
					return err
				}
			}
			if output != outputText {
				return writeStructured(cmd.OutOrStdout(), output, attempts)
			}
			printHistory(cmd.OutOrStdout(), attempts)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of attempts to show")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func printHistory(w io.Writer, attempts []history.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("No update attempts recorded."))
		return
	}
	for _, a := range attempts {
		outcome := SuccessStyle.Render(a.Outcome)
		if a.Error != "" {
			outcome = ErrorStyle.Render(a.Outcome)
		}
		fmt.Fprintf(w, "%s %s -> %s  %s  %d files\n",
			keyStyle.Render(a.StartedAt.Local().Format(time.DateTime)), a.FromVersion, a.ToVersion, outcome, a.Files)
		if a.Error != "" {
			fmt.Fprintln(w, SubtitleStyle.Render("    "+a.Error))
		}
	}
}
