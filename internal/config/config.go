// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/bprojman/bpm-update/internal/cueutil"
	"github.com/bprojman/bpm-update/internal/issue"
	"github.com/bprojman/bpm-update/internal/platform"
)

const (
	// AppName is the application name.
	AppName = "bpm-update"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. BPM_UPDATE_REGISTRY_TOKEN.
	EnvPrefix = "BPM_UPDATE"
	// TokenFallbackEnv is consulted when no registry token is configured.
	TokenFallbackEnv = "GITHUB_TOKEN"
	// ConfigDirEnv replaces the platform configuration directory, e.g. for
	// portable installations that keep their settings beside the program.
	ConfigDirEnv = EnvPrefix + "_CONFIG_DIR"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the bpm-update configuration directory. BPM_UPDATE_CONFIG_DIR
// wins when set; otherwise Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir, nil
	}

	var configDir string

	switch runtime.GOOS {
	case platform.Windows:
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case platform.Darwin:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// FilePath returns the default config file location.
func FilePath() (string, error) {
	cfgDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt), nil
}

// setDefaults registers every key so environment overrides apply to all of
// them.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("registry.base_url", d.Registry.BaseURL)
	v.SetDefault("registry.owner", d.Registry.Owner)
	v.SetDefault("registry.repo", d.Registry.Repo)
	v.SetDefault("registry.manifest_asset", d.Registry.ManifestAsset)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("registry.token", d.Registry.Token)
	v.SetDefault("install.root", d.Install.Root)
	v.SetDefault("install.app_name", d.Install.AppName)
	v.SetDefault("install.executable", d.Install.Executable)
	v.SetDefault("install.launcher", d.Install.Launcher)
	v.SetDefault("install.current_version", d.Install.CurrentVersion)
	v.SetDefault("update.text_extensions", d.Update.TextExtensions)
	v.SetDefault("update.backup_excludes", d.Update.BackupExcludes)
	v.SetDefault("update.locked_paths", d.Update.LockedPaths)
	v.SetDefault("update.download_concurrency", d.Update.DownloadConcurrency)
	v.SetDefault("update.handoff_delay", d.Update.HandoffDelay)
	v.SetDefault("update.allow_unverified_snapshot", d.Update.AllowUnverifiedSnapshot)
	v.SetDefault("update.keep_backups", d.Update.KeepBackups)
	v.SetDefault("update.backup_dir", d.Update.BackupDir)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_bytes", d.Log.MaxSizeBytes)
	v.SetDefault("log.max_files", d.Log.MaxFiles)
	v.SetDefault("log.history_limit", d.Log.HistoryLimit)
}

// loadWithOptions performs option-driven config loading without mutating
// package-level cache state. Callers that want caching can wrap this function.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("registry.token", EnvPrefix+"_REGISTRY_TOKEN", TokenFallbackEnv); err != nil {
		return nil, "", fmt.Errorf("binding token environment: %w", err)
	}

	resolvedPath := ""

	// If a custom config file path is set via --config flag, use it exclusively.
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Check that the file exists and is readable").
				WithSuggestion("Use 'bpm-update config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, "", loadError(opts.ConfigFilePath, err)
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}

		cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		localCuePath := ConfigFileName + "." + ConfigFileExt
		switch {
		case fileExists(cuePath):
			resolvedPath = cuePath
		case fileExists(localCuePath):
			resolvedPath = localCuePath
		}
		// If no config file found, use defaults (no error)
		if resolvedPath != "" {
			if err := loadCUEIntoViper(v, resolvedPath); err != nil {
				return nil, "", loadError(resolvedPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check values set through " + EnvPrefix + "_* environment variables").
			WithSuggestion("Run 'bpm-update config show' to see the effective configuration").
			Wrap(errs[0]).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func loadError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(path).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Verify the configuration values match the expected schema").
		WithSuggestion("See 'bpm-update config --help' for configuration options").
		Wrap(err).
		BuildError()
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper validates a CUE file against the #Config schema and
// merges its contents into Viper. Validation is non-concrete because every
// field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	unified, err := cueutil.Unify(configSchema, data, "#Config",
		cueutil.WithFilename(path),
		cueutil.WithConcrete(false),
	)
	if err != nil {
		return err
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	// Merge into Viper (preserves defaults, allows env overrides)
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	cfgDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(cfgDir, 0o755)
}

// CreateDefaultConfig writes the default config file unless one exists and
// returns its path. force overwrites an existing file.
func CreateDefaultConfig(force bool) (string, error) {
	cfgPath, err := FilePath()
	if err != nil {
		return "", err
	}

	if !force {
		if _, err := os.Stat(cfgPath); err == nil {
			return cfgPath, nil
		}
	}

	return cfgPath, Save(DefaultConfig())
}

// Save writes the configuration to the default config file.
func Save(cfg *Config) error {
	cfgPath, err := FilePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateCUE generates a CUE representation of the configuration. The
// registry token is never written.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// bpm-update configuration file\n")
	sb.WriteString("// Environment variables prefixed with " + EnvPrefix + "_ override these values.\n\n")

	sb.WriteString("registry: {\n")
	fmt.Fprintf(&sb, "\tbase_url: %q\n", cfg.Registry.BaseURL)
	fmt.Fprintf(&sb, "\towner: %q\n", cfg.Registry.Owner)
	fmt.Fprintf(&sb, "\trepo: %q\n", cfg.Registry.Repo)
	fmt.Fprintf(&sb, "\tmanifest_asset: %q\n", cfg.Registry.ManifestAsset)
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Registry.Timeout.String())
	sb.WriteString("}\n")

	sb.WriteString("\ninstall: {\n")
	writeOptional(&sb, "root", cfg.Install.Root)
	writeOptional(&sb, "app_name", cfg.Install.AppName)
	writeOptional(&sb, "executable", cfg.Install.Executable)
	writeList(&sb, "launcher", cfg.Install.Launcher)
	writeOptional(&sb, "current_version", cfg.Install.CurrentVersion)
	sb.WriteString("}\n")

	sb.WriteString("\nupdate: {\n")
	writeList(&sb, "text_extensions", cfg.Update.TextExtensions)
	writeList(&sb, "backup_excludes", cfg.Update.BackupExcludes)
	writeList(&sb, "locked_paths", cfg.Update.LockedPaths)
	fmt.Fprintf(&sb, "\tdownload_concurrency: %d\n", cfg.Update.DownloadConcurrency)
	fmt.Fprintf(&sb, "\thandoff_delay: %q\n", cfg.Update.HandoffDelay.String())
	fmt.Fprintf(&sb, "\tallow_unverified_snapshot: %v\n", cfg.Update.AllowUnverifiedSnapshot)
	fmt.Fprintf(&sb, "\tkeep_backups: %d\n", cfg.Update.KeepBackups)
	fmt.Fprintf(&sb, "\tbackup_dir: %q\n", cfg.Update.BackupDir)
	sb.WriteString("}\n")

	sb.WriteString("\nlog: {\n")
	fmt.Fprintf(&sb, "\tdir: %q\n", cfg.Log.Dir)
	fmt.Fprintf(&sb, "\tlevel: %q\n", cfg.Log.Level)
	fmt.Fprintf(&sb, "\tmax_size_bytes: %d\n", cfg.Log.MaxSizeBytes)
	fmt.Fprintf(&sb, "\tmax_files: %d\n", cfg.Log.MaxFiles)
	fmt.Fprintf(&sb, "\thistory_limit: %d\n", cfg.Log.HistoryLimit)
	sb.WriteString("}\n")

	return sb.String()
}

func writeOptional(sb *strings.Builder, key, value string) {
	if value != "" {
		fmt.Fprintf(sb, "\t%s: %q\n", key, value)
	}
}

func writeList(sb *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	quoted := make([]string, len(values))
	for i, s := range values {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	fmt.Fprintf(sb, "\t%s: [%s]\n", key, strings.Join(quoted, ", "))
}
