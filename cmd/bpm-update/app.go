// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/bprojman/bpm-update/internal/config"
	"github.com/bprojman/bpm-update/internal/handoff"
	"github.com/bprojman/bpm-update/internal/history"
	"github.com/bprojman/bpm-update/internal/issue"
	"github.com/bprojman/bpm-update/internal/logging"
	"github.com/bprojman/bpm-update/internal/platform"
	"github.com/bprojman/bpm-update/internal/selfupdate"
	"github.com/bprojman/bpm-update/internal/version"
)

// LogFileName is the rotating log written under the configured log directory.
const LogFileName = "bpm-update.log"

type (
	// ConfirmFunc asks the user a yes/no question.
	ConfirmFunc func(title, description string) (bool, error)

	// App wires CLI services and shared dependencies. All Cobra command
	// handlers receive an App reference.
	App struct {
		Config     config.Provider
		Confirm    ConfirmFunc
		Strategy   handoff.Strategy
		HTTPClient *http.Client
		// Interactive reports whether prompts can be shown.
		Interactive func() bool
		// Sandbox reports the application sandbox the updater runs in.
		Sandbox func() platform.SandboxType
		// WorkDir holds staging directories and handoff scripts (default
		// os.TempDir()).
		WorkDir string
		stdout  io.Writer
		stderr  io.Writer

		flags globalFlags
	}

	// Dependencies defines the injection points for building an App. Nil fields are
	// replaced with production defaults by NewApp.
	Dependencies struct {
		Config      config.Provider
		Confirm     ConfirmFunc
		Strategy    handoff.Strategy
		HTTPClient  *http.Client
		Interactive func() bool
		Sandbox     func() platform.SandboxType
		WorkDir     string
		Stdout      io.Writer
		Stderr      io.Writer
	}

	globalFlags struct {
		configPath string
		verbose    bool
		root       string
	}

	// updateEnv is everything one invocation needs to talk to the registry
	// and touch the installation. Close releases the log file and history.
	updateEnv struct {
		cfg       *config.Config
		inst      selfupdate.Installation
		installed version.Version
		source    selfupdate.VersionSource
		logger    *log.Logger
		updater   *selfupdate.Updater
		history   *history.Store
		closers   []io.Closer
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Confirm == nil {
		deps.Confirm = huhConfirm
	}
	if deps.Interactive == nil {
		deps.Interactive = stdinIsTerminal
	}
	if deps.Sandbox == nil {
		deps.Sandbox = platform.DetectSandbox
	}

	return &App{
		Config:      deps.Config,
		Confirm:     deps.Confirm,
		Strategy:    deps.Strategy,
		HTTPClient:  deps.HTTPClient,
		Interactive: deps.Interactive,
		Sandbox:     deps.Sandbox,
		WorkDir:     deps.WorkDir,
		stdout:      deps.Stdout,
		stderr:      deps.Stderr,
	}
}

func huhConfirm(title, description string) (bool, error) {
	var confirmed bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&confirmed).
		Run()
	if err != nil {
		return false, err
	}
	return confirmed, nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // Fd fits in int on supported platforms.
}

// loadConfig loads the effective configuration honoring --config.
func (a *App) loadConfig(ctx context.Context) (*config.Config, string, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.flags.configPath})
}

// installation resolves the installation root: --root wins over
// install.root, which wins over the executable's directory.
func (a *App) installation(cfg *config.Config) (selfupdate.Installation, error) {
	root := cfg.Install.Root
	if a.flags.root != "" {
		root = a.flags.root
	}
	inst, err := selfupdate.LocateInstallation(root, cfg.Install.Executable)
	if err != nil {
		return inst, issue.NewErrorContext().
			WithOperation("locate installation").
			WithResource(root).
			WithSuggestion("Pass --root or set install.root in the configuration").
			WithIssue(issue.InstallationNotFoundId).
			Wrap(err).
			BuildError()
	}
	info, err := os.Stat(inst.Root)
	if err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", inst.Root)
		}
		return inst, issue.NewErrorContext().
			WithOperation("locate installation").
			WithResource(inst.Root).
			WithSuggestion("Pass --root or set install.root in the configuration").
			WithIssue(issue.InstallationNotFoundId).
			Wrap(err).
			BuildError()
	}
	return inst, nil
}

// logDir returns the configured log directory, resolved against root.
func logDir(cfg *config.Config, root string) string {
	dir := cfg.Log.Dir
	if dir == "" {
		dir = config.DefaultLogDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// newUpdateEnv loads configuration, locates the installation and builds the
// updater. launcher overrides install.launcher when non-nil.
func (a *App) newUpdateEnv(ctx context.Context, launcher []string) (_ *updateEnv, err error) {
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := a.installation(cfg)
	if err != nil {
		return nil, err
	}

	env := &updateEnv{cfg: cfg, inst: inst}
	defer func() {
		if err != nil {
			_ = env.Close()
		}
	}()

	console := io.Discard
	if a.flags.verbose {
		console = a.stderr
	}
	logOpts := logging.Options{Level: string(cfg.Log.Level), Console: console, Prefix: "bpm-update"}
	dir := logDir(cfg, inst.Root)
	rf, rfErr := logging.OpenRotating(filepath.Join(dir, LogFileName), cfg.Log.MaxSizeBytes, cfg.Log.MaxFiles)
	if rfErr == nil {
		env.closers = append(env.closers, rf)
		logOpts.File = rf
	} else {
		fmt.Fprintln(a.stderr, WarningStyle.Render("Warning: ")+"file logging disabled: "+rfErr.Error())
	}
	env.logger = logging.New(logOpts)

	env.installed, env.source, err = selfupdate.InstalledVersion(cfg.Install.CurrentVersion, inst.Root, Version)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("determine installed version").
			WithResource(inst.Root).
			WithSuggestion("Set install.current_version in the configuration").
			WithSuggestion("Or remove a damaged " + selfupdate.ReceiptFile + " from the installation root").
			WithIssue(issue.InstallationNotFoundId).
			Wrap(err).
			BuildError()
	}
	env.logger.Debug("installation located", "root", inst.Root, "executable", inst.Executable,
		"version", env.installed.String(), "source", env.source)

	hist, histErr := history.Open(ctx, filepath.Join(dir, history.FileName), cfg.Log.HistoryLimit)
	if histErr == nil {
		env.history = hist
		env.closers = append(env.closers, hist)
	} else {
		env.logger.Warn("update history disabled", "err", histErr)
	}

	clientOpts := []selfupdate.ClientOption{
		selfupdate.WithBaseURL(cfg.Registry.BaseURL),
		selfupdate.WithRepo(cfg.Registry.Owner, cfg.Registry.Repo),
		selfupdate.WithTimeout(cfg.Registry.Timeout),
		selfupdate.WithUserAgent("bpm-update/" + Version),
	}
	if cfg.Registry.Token != "" {
		clientOpts = append(clientOpts, selfupdate.WithToken(cfg.Registry.Token))
	}
	if a.HTTPClient != nil {
		clientOpts = append(clientOpts, selfupdate.WithHTTPClient(a.HTTPClient))
	}

	if launcher == nil {
		launcher = cfg.Install.Launcher
	}
	opts := selfupdate.Options{
		InstallRoot:             inst.Root,
		Executable:              inst.Executable,
		AppName:                 cfg.Install.AppName,
		Launcher:                launcher,
		CurrentVersion:          env.installed.String(),
		ManifestAsset:           cfg.Registry.ManifestAsset,
		TextExtensions:          cfg.Update.TextExtensions,
		BackupDir:               cfg.Update.BackupDir,
		BackupExcludes:          cfg.Update.BackupExcludes,
		KeepBackups:             cfg.Update.KeepBackups,
		LockedPaths:             cfg.Update.LockedPaths,
		DownloadConcurrency:     cfg.Update.DownloadConcurrency,
		HandoffDelay:            cfg.Update.HandoffDelay,
		AllowUnverifiedSnapshot: cfg.Update.AllowUnverifiedSnapshot,
	}
	if a.WorkDir != "" {
		opts.StagingParent = filepath.Join(a.WorkDir, "staging")
		opts.ScriptDir = filepath.Join(a.WorkDir, "scripts")
	}
	updaterOpts := []selfupdate.UpdaterOption{
		selfupdate.WithGitHubClient(selfupdate.NewGitHubClient(clientOpts...)),
		selfupdate.WithLogger(env.logger),
	}
	if env.history != nil {
		updaterOpts = append(updaterOpts, selfupdate.WithHistory(env.history))
	}
	if a.Strategy != nil {
		updaterOpts = append(updaterOpts, selfupdate.WithStrategy(a.Strategy))
	}

	env.updater, err = selfupdate.NewUpdater(opts, updaterOpts...)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("prepare update").
			WithResource(inst.Root).
			WithSuggestion("Check the update and install sections of the configuration").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}
	return env, nil
}

// Close releases the resources held by env.
func (e *updateEnv) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}
