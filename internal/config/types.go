// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bprojman/bpm-update/internal/backup"
	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/history"
)

const (
	// LogLevelDebug enables debug output.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the default level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs warnings and errors only.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs errors only.
	LogLevelError LogLevel = "error"

	// DefaultBaseURL is the release registry API endpoint.
	DefaultBaseURL = "https://api.github.com"
	// DefaultOwner owns the released repository.
	DefaultOwner = "bprojman"
	// DefaultRepo is the released repository.
	DefaultRepo = "bpm"
	// DefaultManifestAsset is the release asset holding the update manifest.
	DefaultManifestAsset = "update_manifest.json"
	// DefaultLogDir is the log directory, relative to the installation root.
	DefaultLogDir = "logs"
	// DefaultLogMaxSize is the size at which the log file rotates (1 MiB).
	DefaultLogMaxSize int64 = 1 << 20
	// DefaultLogMaxFiles is the number of rotated generations kept.
	DefaultLogMaxFiles = 5
)

var (
	// ErrInvalidLogLevel is the sentinel error wrapped by InvalidLogLevelError.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel value is not recognized.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		Registry RegistryConfig `json:"registry" mapstructure:"registry"`
		Install  InstallConfig  `json:"install" mapstructure:"install"`
		Update   UpdateConfig   `json:"update" mapstructure:"update"`
		Log      LogConfig      `json:"log" mapstructure:"log"`
	}

	// RegistryConfig locates the release registry.
	RegistryConfig struct {
		BaseURL       string        `json:"base_url" mapstructure:"base_url"`
		Owner         string        `json:"owner" mapstructure:"owner"`
		Repo          string        `json:"repo" mapstructure:"repo"`
		ManifestAsset string        `json:"manifest_asset" mapstructure:"manifest_asset"`
		Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
		// Token is sent as a bearer credential to the registry host only.
		Token string `json:"token,omitempty" mapstructure:"token"`
	}

	// InstallConfig describes the installation being updated. Empty values
	// are derived from the running executable.
	InstallConfig struct {
		Root       string `json:"root,omitempty" mapstructure:"root"`
		AppName    string `json:"app_name,omitempty" mapstructure:"app_name"`
		Executable string `json:"executable,omitempty" mapstructure:"executable"`
		// Launcher is the command line used to start the application after
		// the restart handoff.
		Launcher []string `json:"launcher,omitempty" mapstructure:"launcher"`
		// CurrentVersion overrides the receipt and build version.
		CurrentVersion string `json:"current_version,omitempty" mapstructure:"current_version"`
	}

	// UpdateConfig tunes the update session.
	UpdateConfig struct {
		TextExtensions          []string      `json:"text_extensions" mapstructure:"text_extensions"`
		BackupExcludes          []string      `json:"backup_excludes" mapstructure:"backup_excludes"`
		LockedPaths             []string      `json:"locked_paths,omitempty" mapstructure:"locked_paths"`
		DownloadConcurrency     int           `json:"download_concurrency" mapstructure:"download_concurrency"`
		HandoffDelay            time.Duration `json:"handoff_delay" mapstructure:"handoff_delay"`
		AllowUnverifiedSnapshot bool          `json:"allow_unverified_snapshot" mapstructure:"allow_unverified_snapshot"`
		KeepBackups             int           `json:"keep_backups" mapstructure:"keep_backups"`
		BackupDir               string        `json:"backup_dir" mapstructure:"backup_dir"`
	}

	// LogConfig configures the rotated log file and the attempt history.
	LogConfig struct {
		Dir          string   `json:"dir" mapstructure:"dir"`
		Level        LogLevel `json:"level" mapstructure:"level"`
		MaxSizeBytes int64    `json:"max_size_bytes" mapstructure:"max_size_bytes"`
		MaxFiles     int      `json:"max_files" mapstructure:"max_files"`
		HistoryLimit int      `json:"history_limit" mapstructure:"history_limit"`
	}
)

// Error implements the error interface for InvalidLogLevelError.
func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string { return string(l) }

// IsValid returns whether the LogLevel is one of the defined levels,
// and a list of validation errors if it is not.
func (l LogLevel) IsValid() (bool, []error) {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true, nil
	default:
		return false, []error{&InvalidLogLevelError{Value: l}}
	}
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig followed by the field errors, so
// errors.Is matches both the sentinel and the individual causes.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// IsValid checks constraints the schema cannot express once environment
// overrides have been applied.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if valid, fieldErrs := c.Log.Level.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if c.Registry.Owner == "" || c.Registry.Repo == "" {
		errs = append(errs, errors.New("registry.owner and registry.repo must be set"))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("registry.timeout must be positive, got %s", c.Registry.Timeout))
	}
	if c.Update.DownloadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("update.download_concurrency must be at least 1, got %d", c.Update.DownloadConcurrency))
	}
	if c.Update.HandoffDelay < 0 {
		errs = append(errs, fmt.Errorf("update.handoff_delay must not be negative, got %s", c.Update.HandoffDelay))
	}
	if c.Update.KeepBackups < 0 {
		errs = append(errs, fmt.Errorf("update.keep_backups must not be negative, got %d", c.Update.KeepBackups))
	}
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			BaseURL:       DefaultBaseURL,
			Owner:         DefaultOwner,
			Repo:          DefaultRepo,
			ManifestAsset: DefaultManifestAsset,
			Timeout:       30 * time.Second,
		},
		Install: InstallConfig{
			AppName: DefaultRepo,
		},
		Update: UpdateConfig{
			TextExtensions:      slices.Clone(contenthash.DefaultTextExtensions),
			BackupExcludes:      slices.Clone(backup.DefaultExcludes),
			DownloadConcurrency: 4,
			HandoffDelay:        3 * time.Second,
			KeepBackups:         backup.DefaultKeep,
			BackupDir:           backup.DefaultDir,
		},
		Log: LogConfig{
			Dir:          DefaultLogDir,
			Level:        LogLevelInfo,
			MaxSizeBytes: DefaultLogMaxSize,
			MaxFiles:     DefaultLogMaxFiles,
			HistoryLimit: history.DefaultLimit,
		},
	}
}
