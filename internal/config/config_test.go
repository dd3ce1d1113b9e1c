// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bprojman/bpm-update/internal/issue"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// clearEnv isolates a test from overrides set in the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix+"_") {
			t.Setenv(name, "")
			_ = os.Unsetenv(name)
		}
	}
	t.Setenv(TokenFallbackEnv, "")
	_ = os.Unsetenv(TokenFallbackEnv)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Registry.BaseURL != DefaultBaseURL {
		t.Errorf("Registry.BaseURL = %q, want %q", cfg.Registry.BaseURL, DefaultBaseURL)
	}
	if cfg.Registry.ManifestAsset != "update_manifest.json" {
		t.Errorf("Registry.ManifestAsset = %q", cfg.Registry.ManifestAsset)
	}
	if cfg.Registry.Timeout != 30*time.Second {
		t.Errorf("Registry.Timeout = %s, want 30s", cfg.Registry.Timeout)
	}
	if cfg.Update.DownloadConcurrency != 4 {
		t.Errorf("Update.DownloadConcurrency = %d, want 4", cfg.Update.DownloadConcurrency)
	}
	if cfg.Update.HandoffDelay != 3*time.Second {
		t.Errorf("Update.HandoffDelay = %s, want 3s", cfg.Update.HandoffDelay)
	}
	if cfg.Update.AllowUnverifiedSnapshot {
		t.Error("expected AllowUnverifiedSnapshot to be false by default")
	}
	if cfg.Update.KeepBackups != 3 || cfg.Update.BackupDir != "backups" {
		t.Errorf("Update backups = %d in %q, want 3 in backups", cfg.Update.KeepBackups, cfg.Update.BackupDir)
	}
	if cfg.Log.Level != LogLevelInfo || cfg.Log.HistoryLimit != 50 || cfg.Log.Dir != "logs" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
	if len(cfg.Update.TextExtensions) == 0 {
		t.Error("expected default text extensions")
	}

	if valid, errs := cfg.IsValid(); !valid {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestConfigDir(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_CONFIG_HOME only applies on Linux")
	}

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv(ConfigDirEnv, "")

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error: %v", err)
	}
	if want := filepath.Join(xdg, AppName); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}
}

func TestConfigDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)

	got, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error: %v", err)
	}
	if got != dir {
		t.Errorf("ConfigDir() = %q, want %q", got, dir)
	}
}

func TestLoad_DefaultsWhenNoConfigFile(t *testing.T) {
	clearEnv(t)

	cfg, path, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if path != "" {
		t.Errorf("resolved path = %q, want empty", path)
	}
	if cfg.Registry.Repo != DefaultRepo || cfg.Update.DownloadConcurrency != 4 {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	written := writeConfig(t, dir, `
registry: {
	owner: "acme"
	repo:  "tool"
	timeout: "45s"
}
install: {
	launcher: ["python", "main.py"]
	current_version: "1.2.0"
}
update: {
	download_concurrency: 8
	handoff_delay: "500ms"
	locked_paths: ["bin/helper.exe"]
}
log: level: "debug"
`)

	cfg, path, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if path != written {
		t.Errorf("resolved path = %q, want %q", path, written)
	}
	if cfg.Registry.Owner != "acme" || cfg.Registry.Repo != "tool" {
		t.Errorf("registry = %s/%s, want acme/tool", cfg.Registry.Owner, cfg.Registry.Repo)
	}
	if cfg.Registry.Timeout != 45*time.Second {
		t.Errorf("Registry.Timeout = %s, want 45s", cfg.Registry.Timeout)
	}
	if cfg.Registry.BaseURL != DefaultBaseURL {
		t.Errorf("unset Registry.BaseURL = %q, want default", cfg.Registry.BaseURL)
	}
	if got := strings.Join(cfg.Install.Launcher, " "); got != "python main.py" {
		t.Errorf("Install.Launcher = %q", got)
	}
	if cfg.Update.DownloadConcurrency != 8 || cfg.Update.HandoffDelay != 500*time.Millisecond {
		t.Errorf("update = %+v", cfg.Update)
	}
	if len(cfg.Update.LockedPaths) != 1 || cfg.Update.LockedPaths[0] != "bin/helper.exe" {
		t.Errorf("Update.LockedPaths = %v", cfg.Update.LockedPaths)
	}
	if cfg.Log.Level != LogLevelDebug {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	writeConfig(t, dir, `update: keep_backups: 5`)

	t.Setenv("BPM_UPDATE_UPDATE_KEEP_BACKUPS", "7")
	t.Setenv("BPM_UPDATE_REGISTRY_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("BPM_UPDATE_UPDATE_ALLOW_UNVERIFIED_SNAPSHOT", "true")

	cfg, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Update.KeepBackups != 7 {
		t.Errorf("Update.KeepBackups = %d, want 7 from environment", cfg.Update.KeepBackups)
	}
	if cfg.Registry.BaseURL != "http://127.0.0.1:9999" {
		t.Errorf("Registry.BaseURL = %q", cfg.Registry.BaseURL)
	}
	if !cfg.Update.AllowUnverifiedSnapshot {
		t.Error("expected AllowUnverifiedSnapshot from environment")
	}
}

func TestLoad_TokenFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv(TokenFallbackEnv, "ghp_fallback")

	cfg, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Registry.Token != "ghp_fallback" {
		t.Errorf("Registry.Token = %q, want fallback token", cfg.Registry.Token)
	}

	t.Setenv(EnvPrefix+"_REGISTRY_TOKEN", "ghp_primary")
	cfg, _, err = NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Registry.Token != "ghp_primary" {
		t.Errorf("Registry.Token = %q, want prefixed variable to win", cfg.Registry.Token)
	}
}

func TestLoad_CustomPath_NotFound(t *testing.T) {
	clearEnv(t)

	missing := filepath.Join(t.TempDir(), "nope.cue")
	_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: missing})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *issue.ActionableError, got %T", err)
	}
	if ae.Operation != "load configuration" || ae.Resource != missing {
		t.Errorf("unexpected context: operation=%q resource=%q", ae.Operation, ae.Resource)
	}
	if !ae.HasSuggestions() {
		t.Error("expected suggestions")
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax error", `registry: {owner: `},
		{"unknown key", `colour: "blue"`},
		{"unknown nested key", `update: {retries: 3}`},
		{"bad level", `log: level: "verbose"`},
		{"bad duration", `update: handoff_delay: "soon"`},
		{"concurrency below one", `update: download_concurrency: 0`},
		{"negative keep", `update: keep_backups: -1`},
		{"non-http base url", `registry: base_url: "ftp://example.com"`},
		{"bad extension", `update: text_extensions: ["py"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)

			path := writeConfig(t, t.TempDir(), tt.content)
			_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: path})
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *issue.ActionableError, got %T: %v", err, err)
			}
		})
	}
}

func TestLoad_InvalidEnvironmentValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("BPM_UPDATE_LOG_LEVEL", "chatty")

	_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, ErrInvalidLogLevel) {
		t.Fatalf("expected ErrInvalidLogLevel, got %v", err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig in chain, got %v", err)
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, _, err := NewProvider().Load(ctx, LoadOptions{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestGenerateCUE_RoundTrips(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Registry.Owner = "acme"
	cfg.Registry.Token = "secret"
	cfg.Install.Launcher = []string{"python", "main.py"}
	cfg.Update.LockedPaths = []string{"bin/helper.exe"}
	cfg.Update.HandoffDelay = 1500 * time.Millisecond

	content := GenerateCUE(cfg)
	if strings.Contains(content, "secret") {
		t.Fatal("GenerateCUE wrote the registry token")
	}

	path := writeConfig(t, t.TempDir(), content)
	got, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: path})
	if err != nil {
		t.Fatalf("generated config does not load: %v\n%s", err, content)
	}
	if got.Registry.Owner != "acme" || got.Update.HandoffDelay != 1500*time.Millisecond {
		t.Errorf("round trip lost values: %+v", got)
	}
	if strings.Join(got.Install.Launcher, " ") != "python main.py" {
		t.Errorf("Install.Launcher = %v", got.Install.Launcher)
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	clearEnv(t)

	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv(ConfigDirEnv, dir)

	path, err := CreateDefaultConfig(false)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error: %v", err)
	}
	if path != filepath.Join(dir, "config.cue") {
		t.Errorf("path = %q", path)
	}

	if err := os.WriteFile(path, []byte("log: level: \"warn\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateDefaultConfig(false); err != nil {
		t.Fatalf("second CreateDefaultConfig() error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "warn") {
		t.Error("existing config was overwritten without force")
	}

	if _, err := CreateDefaultConfig(true); err != nil {
		t.Fatalf("forced CreateDefaultConfig() error: %v", err)
	}
	cfg, _, err := NewProvider().Load(t.Context(), LoadOptions{})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != LogLevelInfo {
		t.Errorf("Log.Level = %q after forced init, want info", cfg.Log.Level)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, level := range []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
		if valid, errs := level.IsValid(); !valid {
			t.Errorf("%q.IsValid() = false, %v", level, errs)
		}
	}

	valid, errs := LogLevel("trace").IsValid()
	if valid || len(errs) != 1 {
		t.Fatalf("expected one error for trace, got %v", errs)
	}
	var lvlErr *InvalidLogLevelError
	if !errors.As(errs[0], &lvlErr) || lvlErr.Value != "trace" {
		t.Errorf("unexpected error: %v", errs[0])
	}
}

func TestConfig_IsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Update.DownloadConcurrency = 0
	cfg.Registry.Timeout = 0

	valid, errs := cfg.IsValid()
	if valid {
		t.Fatal("expected invalid config")
	}
	msg := errs[0].Error()
	for _, want := range []string{"download_concurrency", "registry.timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestInvalidConfigError_UnwrapsFieldErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Log.Level = "chatty"

	valid, errs := cfg.IsValid()
	if valid {
		t.Fatal("expected invalid config")
	}
	if !errors.Is(errs[0], ErrInvalidConfig) {
		t.Errorf("errors.Is(%v, ErrInvalidConfig) = false", errs[0])
	}
	if !errors.Is(errs[0], ErrInvalidLogLevel) {
		t.Errorf("errors.Is(%v, ErrInvalidLogLevel) = false", errs[0])
	}
	var lvl *InvalidLogLevelError
	if !errors.As(errs[0], &lvl) || lvl.Value != "chatty" {
		t.Errorf("errors.As() did not reach the log level error: %v", errs[0])
	}
}
