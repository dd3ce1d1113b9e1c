// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bprojman/bpm-update/internal/config"
	"github.com/bprojman/bpm-update/internal/issue"
)

// settableKeys lists the keys accepted by "config set".
//
//nolint:gochecknoglobals // Read-only key table.
var settableKeys = []string{
	"registry.base_url",
	"registry.owner",
	"registry.repo",
	"registry.manifest_asset",
	"registry.timeout",
	"install.root",
	"install.app_name",
	"install.current_version",
	"update.download_concurrency",
	"update.handoff_delay",
	"update.allow_unverified_snapshot",
	"update.keep_backups",
	"update.backup_dir",
	"log.dir",
	"log.level",
}

func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bpm-update configuration",
		Long: `Manage bpm-update configuration.

Configuration is stored in:
  - Linux: ~/.config/bpm-update/config.cue
  - macOS: ~/Library/Application Support/bpm-update/config.cue
  - Windows: %APPDATA%\bpm-update\config.cue

Every key can also be set through the environment, e.g.
BPM_UPDATE_LOG_LEVEL=debug or BPM_UPDATE_REGISTRY_TOKEN.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showConfig(cmd.Context(), app, cmd.OutOrStdout())
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd.OutOrStdout(), force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	cfgCmd.AddCommand(initCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showConfigPath(cmd.OutOrStdout())
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(settableKeys, "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setConfigValue(cmd.Context(), app, cmd.OutOrStdout(), args[0], args[1])
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App, w io.Writer) error {
	cfg, path, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if path != "" {
		writeKV(w, "Config file:", CmdStyle.Render(path))
	} else {
		writeKV(w, "Config file:", SubtitleStyle.Render("(using defaults)"))
	}
	if cfg.Registry.Token != "" {
		writeKV(w, "Registry token:", SubtitleStyle.Render("(set)"))
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, config.GenerateCUE(cfg))
	return nil
}

func initConfig(w io.Writer, force bool) error {
	path, err := config.CreateDefaultConfig(force)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	fmt.Fprintf(w, "%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
	return nil
}

func showConfigPath(w io.Writer) error {
	cfgDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	path, err := config.FilePath()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Config directory: %s\n", cfgDir)
	fmt.Fprintf(w, "Config file: %s\n", path)
	return nil
}

func setConfigValue(ctx context.Context, app *App, w io.Writer, key, value string) error {
	cfg, _, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	if err := assignConfigValue(cfg, key, value); err != nil {
		return issue.NewErrorContext().
			WithOperation("set configuration value").
			WithResource(key).
			WithSuggestion("Valid keys: " + strings.Join(settableKeys, ", ")).
			Wrap(err).
			BuildError()
	}
	if valid, errs := cfg.IsValid(); !valid {
		return issue.NewErrorContext().
			WithOperation("set configuration value").
			WithResource(key).
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(errors.Join(errs...)).
			BuildError()
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(w, "%s Set %s = %s\n", SuccessStyle.Render("✓"), key, value)
	return nil
}

func assignConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch key {
	case "registry.base_url":
		cfg.Registry.BaseURL = value
	case "registry.owner":
		cfg.Registry.Owner = value
	case "registry.repo":
		cfg.Registry.Repo = value
	case "registry.manifest_asset":
		cfg.Registry.ManifestAsset = value
	case "registry.timeout":
		cfg.Registry.Timeout, err = time.ParseDuration(value)
	case "install.root":
		cfg.Install.Root = value
	case "install.app_name":
		cfg.Install.AppName = value
	case "install.current_version":
		cfg.Install.CurrentVersion = value
	case "update.download_concurrency":
		cfg.Update.DownloadConcurrency, err = strconv.Atoi(value)
	case "update.handoff_delay":
		cfg.Update.HandoffDelay, err = time.ParseDuration(value)
	case "update.allow_unverified_snapshot":
		cfg.Update.AllowUnverifiedSnapshot, err = strconv.ParseBool(value)
	case "update.keep_backups":
		cfg.Update.KeepBackups, err = strconv.Atoi(value)
	case "update.backup_dir":
		cfg.Update.BackupDir = value
	case "log.dir":
		cfg.Log.Dir = value
	case "log.level":
		cfg.Log.Level = config.LogLevel(value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return nil
}
