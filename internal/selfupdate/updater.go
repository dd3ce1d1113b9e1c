// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bprojman/bpm-update/internal/apply"
	"github.com/bprojman/bpm-update/internal/backup"
	"github.com/bprojman/bpm-update/internal/contenthash"
	"github.com/bprojman/bpm-update/internal/handoff"
	"github.com/bprojman/bpm-update/internal/history"
	"github.com/bprojman/bpm-update/internal/logging"
	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/pathmatch"
	"github.com/bprojman/bpm-update/internal/sessionlock"
	"github.com/bprojman/bpm-update/internal/staging"
	"github.com/bprojman/bpm-update/internal/version"
)

// DefaultHandoffDelay is how long the handoff script waits for the
// application to exit.
const DefaultHandoffDelay = 3 * time.Second

type (
	// Options describes the installation and update policy.
	Options struct {
		// InstallRoot is the absolute installation root.
		InstallRoot string
		// Executable is the running executable relative to InstallRoot. It is
		// always replaced by the handoff.
		Executable string
		// AppName is the process name of stale instances to terminate.
		AppName string
		// Launcher relaunches the application after the handoff.
		Launcher []string
		// CurrentVersion is the installed version.
		CurrentVersion string

		ManifestAsset  string
		TextExtensions []string

		BackupDir      string
		BackupExcludes []string
		KeepBackups    int
		// LockedPaths are files the running process holds open; they are
		// replaced by the handoff instead of in-process.
		LockedPaths []string

		DownloadConcurrency int
		// StagingParent holds staging directories (default os.TempDir()).
		StagingParent string
		// ScriptDir holds handoff scripts (default os.TempDir()).
		ScriptDir    string
		HandoffDelay time.Duration
		// AllowUnverifiedSnapshot permits source-snapshot updates.
		AllowUnverifiedSnapshot bool
	}

	// Updater composes resolution, manifest fetching, staging, backup, apply
	// and handoff into update sessions for one installation. At most one
	// session runs at a time.
	Updater struct {
		opts     Options
		client   *GitHubClient
		resolver *Resolver
		fetcher  *Fetcher
		hasher   *contenthash.Hasher
		backups  *backup.Manager
		locked   *pathmatch.Set
		strategy handoff.Strategy
		history  *history.Store
		logger   *log.Logger
		now      func() time.Time
		pid      int

		installed version.Version
		events    bus
		active    atomic.Bool

		mu   sync.Mutex
		last *CheckResult
	}

	// UpdaterOption configures an Updater during construction.
	UpdaterOption func(*Updater)

	// ApplyResult is a completed update awaiting its restart handoff.
	ApplyResult struct {
		SessionID string
		Version   string
		// Applied were replaced in-process; Deferred are left to the handoff.
		Applied  []string
		Deferred []string
		Backup   string
		// Script is the prepared handoff, empty when nothing changed.
		Script   string
		Degraded bool

		journal  *apply.Result
		strategy handoff.Strategy
		area     *staging.Area
		session  *Session
		check    *CheckResult
	}

	// CheckOutcome is delivered by CheckAsync.
	CheckOutcome struct {
		Result *CheckResult
		Err    error
	}

	// ApplyOutcome is delivered by ApplyAsync.
	ApplyOutcome struct {
		Result *ApplyResult
		Err    error
	}
)

// WithGitHubClient overrides the default registry client.
func WithGitHubClient(c *GitHubClient) UpdaterOption {
	return func(u *Updater) {
		u.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) UpdaterOption {
	return func(u *Updater) {
		u.logger = l
	}
}

// WithHistory records every apply attempt in s.
func WithHistory(s *history.Store) UpdaterOption {
	return func(u *Updater) {
		u.history = s
	}
}

// WithStrategy overrides the platform handoff strategy.
func WithStrategy(s handoff.Strategy) UpdaterOption {
	return func(u *Updater) {
		u.strategy = s
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) UpdaterOption {
	return func(u *Updater) {
		u.now = now
	}
}

// NewUpdater validates opts and creates an Updater.
func NewUpdater(opts Options, extra ...UpdaterOption) (*Updater, error) {
	if opts.InstallRoot == "" {
		return nil, errors.New("installation root is required")
	}
	root, err := filepath.Abs(opts.InstallRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving installation root: %w", err)
	}
	opts.InstallRoot = root
	installed, err := version.Parse(opts.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("installed version: %w", err)
	}
	if opts.HandoffDelay == 0 {
		opts.HandoffDelay = DefaultHandoffDelay
	}

	u := &Updater{
		opts:      opts,
		installed: installed,
		hasher:    contenthash.New(opts.TextExtensions),
		now:       time.Now,
		pid:       os.Getpid(),
	}
	for _, opt := range extra {
		opt(u)
	}
	if u.logger == nil {
		u.logger = logging.Discard()
	}
	if u.client == nil {
		u.client = NewGitHubClient()
	}
	if u.strategy == nil {
		u.strategy = handoff.Default()
	}

	u.backups, err = backup.NewManager(opts.InstallRoot, backup.Options{
		Dir:      opts.BackupDir,
		Excludes: opts.BackupExcludes,
		Keep:     opts.KeepBackups,
		Logger:   u.logger.WithPrefix("backup"),
		Now:      u.now,
	})
	if err != nil {
		return nil, err
	}

	locked := slices.Clone(opts.LockedPaths)
	if opts.Executable != "" {
		locked = append(locked, opts.Executable)
	}
	if u.locked, err = pathmatch.Compile(locked); err != nil {
		return nil, fmt.Errorf("compiling locked paths: %w", err)
	}

	u.resolver = NewResolver(u.client, opts.ManifestAsset, u.logger.WithPrefix("resolver"))
	u.fetcher = NewFetcher(u.client, opts.ManifestAsset, u.logger.WithPrefix("manifest"))
	return u, nil
}

// InstalledVersion returns the version the Updater compares against.
func (u *Updater) InstalledVersion() version.Version { return u.installed }

// Client returns the registry client.
func (u *Updater) Client() *GitHubClient { return u.client }

// Backups returns the snapshot manager.
func (u *Updater) Backups() *backup.Manager { return u.backups }

// Hasher returns the content hasher configured with the text allow-list.
func (u *Updater) Hasher() *contenthash.Hasher { return u.hasher }

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on the goroutine doing the work; it must not block.
func (u *Updater) Subscribe(fn func(Event)) (unsubscribe func()) {
	return u.events.subscribe(fn)
}

// Releases lists stable releases, newest first.
func (u *Updater) Releases(ctx context.Context) ([]Release, error) {
	rels, err := u.client.ListReleases(ctx)
	if err != nil {
		return nil, newStageError(StageResolve, ErrResolutionFailed, err)
	}
	return rels, nil
}

// Check resolves the latest release (or target, when set) and compares it
// with the installed version. It touches nothing on disk; calling it twice
// gives the same answer. A failure is a retryable ErrResolutionFailed.
func (u *Updater) Check(ctx context.Context, target string) (*CheckResult, error) {
	if !u.active.CompareAndSwap(false, true) {
		return nil, newStageError(StageSession, ErrSessionActive, nil)
	}
	defer u.active.Store(false)

	s := newSession(u.now())
	_ = s.advance(StateCheckingForUpdate) //nolint:errcheck // Idle -> CheckingForUpdate is always legal.

	res, err := u.resolver.Resolve(ctx, u.installed, target)
	if err != nil {
		_ = s.advance(StateAborted) //nolint:errcheck // Legal from CheckingForUpdate.
		serr := newStageError(StageResolve, ErrResolutionFailed, err)
		if errors.Is(err, context.Canceled) {
			serr = newStageError(StageResolve, ErrCanceled, err)
		}
		u.logger.Warn("update check failed", "err", err, "retryable", serr.Retryable)
		u.events.emit(EventError{Err: serr})
		return nil, serr
	}

	res.session = s
	if !res.Available {
		_ = s.advance(StateNoUpdate) //nolint:errcheck // Legal from CheckingForUpdate.
		u.logger.Info("no update available", "installed", u.installed, "latest", res.Version)
		return res, nil
	}

	_ = s.advance(StateUpdateAvailable) //nolint:errcheck // Legal from CheckingForUpdate.
	u.mu.Lock()
	u.last = res
	u.mu.Unlock()
	u.events.emit(EventUpdateAvailable{Version: res.Version, Location: res.Location(), Degraded: res.IntegrityDegraded})
	return res, nil
}

// CheckAsync runs Check on a background goroutine.
func (u *Updater) CheckAsync(ctx context.Context, target string) <-chan CheckOutcome {
	ch := make(chan CheckOutcome, 1)
	go func() {
		defer close(ch)
		res, err := u.Check(ctx, target)
		ch <- CheckOutcome{Result: res, Err: err}
	}()
	return ch
}

// DownloadAndApply applies the update most recently announced by Check for
// location (its manifest or snapshot URL).
func (u *Updater) DownloadAndApply(ctx context.Context, location string) (*ApplyResult, error) {
	u.mu.Lock()
	res := u.last
	u.mu.Unlock()
	if res == nil || res.Location() != location {
		return nil, newStageError(StageSession, ErrNoPendingUpdate, fmt.Errorf("no check announced %s", redactURL(location)))
	}
	return u.Apply(ctx, res)
}

// ApplyAsync runs Apply on a background goroutine.
func (u *Updater) ApplyAsync(ctx context.Context, res *CheckResult) <-chan ApplyOutcome {
	ch := make(chan ApplyOutcome, 1)
	go func() {
		defer close(ch)
		out, err := u.Apply(ctx, res)
		ch <- ApplyOutcome{Result: out, Err: err}
	}()
	return ch
}

// Apply drives the session of res to a terminal state: fetch and validate
// the manifest, stage and verify changed files, snapshot the installation,
// prepare the restart handoff and replace every unlocked file.
//
// ctx is honored until the files are staged. Every failure before the apply
// leaves the installation untouched; an apply failure is rolled back.
func (u *Updater) Apply(ctx context.Context, res *CheckResult) (_ *ApplyResult, err error) {
	if res == nil || !res.Available || res.session == nil {
		return nil, newStageError(StageSession, ErrNoPendingUpdate, nil)
	}
	if !u.active.CompareAndSwap(false, true) {
		return nil, newStageError(StageSession, ErrSessionActive, nil)
	}
	defer u.active.Store(false)

	s := res.session
	if s.State() != StateUpdateAvailable {
		return nil, newStageError(StageSession, ErrNoPendingUpdate, fmt.Errorf("session %s is %s", s.ID, s.State()))
	}

	lock, err := sessionlock.Acquire(u.opts.InstallRoot, "bpm-update session "+s.ID)
	if err != nil {
		return nil, newStageError(StageSession, ErrSessionActive, err)
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			u.logger.Warn("releasing session lock", "err", relErr)
		}
	}()

	logger := u.logger.With("session", s.ID)
	var out *ApplyResult
	defer func() {
		u.record(s, res, out, err)
		if err != nil {
			u.events.emit(EventError{Err: err})
		}
	}()

	out, err = u.run(ctx, s, res, logger)
	return out, err
}

func (u *Updater) run(ctx context.Context, s *Session, res *CheckResult, logger *log.Logger) (*ApplyResult, error) {
	abort := func(stage Stage, kind, cause error, area *staging.Area) error {
		if area != nil {
			if rmErr := area.Remove(); rmErr != nil {
				logger.Warn("removing staging directory", "err", rmErr)
			}
		}
		_ = s.advance(StateAborted) //nolint:errcheck // Legal from every pre-apply state.
		if errors.Is(cause, context.Canceled) || (errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil) {
			kind = ErrCanceled
		}
		logger.Error("update aborted", "stage", stage, "err", cause)
		return newStageError(stage, kind, cause)
	}

	if err := s.advance(StateDownloading); err != nil {
		return nil, newStageError(StageSession, ErrNoPendingUpdate, err)
	}

	area, fetched, err := u.download(ctx, s, res, logger)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			_ = s.advance(StateAborted) //nolint:errcheck // Legal from Downloading.
			return nil, se
		}
		return nil, abort(StageDownload, classifyStaging(err), err, nil)
	}

	if err := s.advance(StateStaged); err != nil {
		return nil, abort(StageSession, ErrNoPendingUpdate, err, area)
	}
	if err := ctx.Err(); err != nil {
		return nil, abort(StageDownload, ErrCanceled, err, area)
	}

	// Past this point the session always ends Completed or RolledBack (or
	// Aborted with the installation untouched).
	ctx = context.WithoutCancel(ctx)

	files := area.Files()
	now, deferred := apply.Partition(files, u.locked)

	receipt := Receipt{
		Version:   res.Version,
		AppliedAt: u.now().UTC().Truncate(time.Second),
		Session:   s.ID,
		Degraded:  res.IntegrityDegraded,
	}
	if fetched != nil {
		receipt.ManifestSHA256 = fetched.SHA256
	}
	if err := WriteReceipt(area.Path(ReceiptFile), receipt); err != nil {
		return nil, abort(StageBackup, ErrBackupFailed, err, area)
	}
	if len(deferred) > 0 {
		deferred = append(deferred, ReceiptFile)
	} else {
		now = append(now, ReceiptFile)
	}

	if err := s.advance(StateBackingUp); err != nil {
		return nil, abort(StageSession, ErrNoPendingUpdate, err, area)
	}
	u.events.emit(EventProgress{Percent: 0, Message: "Backing up installation"})
	snap, err := u.backups.Snapshot(ctx, append(slices.Clone(files), ReceiptFile))
	if err != nil {
		return nil, abort(StageBackup, ErrBackupFailed, err, area)
	}
	s.setBackup(snap.Path)

	script, err := handoff.Prepare(u.strategy, handoff.Plan{
		SessionID:   s.ID,
		InstallRoot: u.opts.InstallRoot,
		StagingDir:  area.Dir,
		BackupDir:   snap.Path,
		Files:       deferred,
		Launcher:    u.opts.Launcher,
		AppName:     u.opts.AppName,
		PID:         u.pid,
		Delay:       u.opts.HandoffDelay,
		ScriptDir:   u.opts.ScriptDir,
	})
	if err != nil {
		return nil, abort(StageHandoff, ErrHandoffFailed, err, area)
	}

	if err := s.advance(StateApplying); err != nil {
		_ = os.Remove(script)
		return nil, abort(StageSession, ErrNoPendingUpdate, err, area)
	}
	applier := apply.New(u.opts.InstallRoot, apply.Options{
		Logger: logger.WithPrefix("apply"),
		Progress: func(done, total int, rel string) {
			u.events.emit(EventProgress{Percent: done * 100 / total, Message: fmt.Sprintf("Installed %s (%d/%d)", rel, done, total)})
		},
	})
	journal, err := applier.Apply(area.Dir, snap.Path, now)
	if err != nil {
		_ = s.advance(StateRolledBack) //nolint:errcheck // Legal from Applying.
		_ = os.Remove(script)
		if rmErr := area.Remove(); rmErr != nil {
			logger.Warn("removing staging directory", "err", rmErr)
		}
		serr := newStageError(StageApply, ErrApplyFailed, err)
		var aerr *apply.Error
		serr.RolledBack = errors.As(err, &aerr) && aerr.RolledBack
		logger.Error("apply failed", "err", err, "rolled_back", serr.RolledBack)
		return nil, serr
	}

	_ = s.advance(StateCompleted) //nolint:errcheck // Legal from Applying.
	if len(deferred) == 0 {
		// Nothing left for the handoff to copy; it only relaunches.
		if rmErr := area.Remove(); rmErr != nil {
			logger.Warn("removing staging directory", "err", rmErr)
		}
	}
	if removed, pruneErr := u.backups.Prune(0); pruneErr != nil {
		logger.Warn("pruning backups", "err", pruneErr)
	} else if len(removed) > 0 {
		logger.Debug("pruned backups", "count", len(removed))
	}

	out := &ApplyResult{
		SessionID: s.ID,
		Version:   res.Version,
		Applied:   journal.Applied,
		Deferred:  deferred,
		Backup:    snap.Path,
		Script:    script,
		Degraded:  res.IntegrityDegraded,
		journal:   journal,
		strategy:  u.strategy,
		area:      area,
		session:   s,
		check:     res,
	}
	logger.Info("update applied", "version", res.Version, "applied", len(out.Applied), "deferred", len(deferred))
	u.events.emit(EventCompleted{Version: res.Version})
	u.events.emit(EventRestartRequired{Script: script})
	return out, nil
}

// download fetches the manifest, computes the work list and stages it. It
// returns a *StageError for manifest problems and a plain error for staging
// failures.
func (u *Updater) download(ctx context.Context, s *Session, res *CheckResult, logger *log.Logger) (*staging.Area, *FetchedManifest, error) {
	if res.IntegrityDegraded {
		if !u.opts.AllowUnverifiedSnapshot {
			return nil, nil, newStageError(StageFetch, ErrUnverifiedRefused,
				fmt.Errorf("release %s publishes no manifest; enable update.allow_unverified_snapshot to install it from source", res.Tag))
		}
		return u.downloadSnapshot(ctx, s, res, logger)
	}

	fetched, err := u.fetcher.Fetch(ctx, res, u.installed)
	if err != nil {
		return nil, nil, classifyFetch(err)
	}

	work, err := u.hasher.Diff(ctx, u.opts.InstallRoot, fetched.Manifest.Files)
	if err != nil {
		return nil, nil, newStageError(StageFetch, ErrResolutionFailed, err)
	}
	s.setPlan(fetched.Manifest, work)
	logger.Info("computed work list", "changed", len(work), "total", len(fetched.Manifest.Files),
		"bytes", manifest.TotalSize(work))

	stager := staging.New(u.client, staging.Options{
		ParentDir:   u.opts.StagingParent,
		Concurrency: u.opts.DownloadConcurrency,
		Hasher:      u.hasher,
		Logger:      logger.WithPrefix("staging"),
		Progress: func(done, total int, e manifest.FileEntry) {
			u.events.emit(EventProgress{
				Percent: done * 100 / total,
				Message: fmt.Sprintf("Downloaded %s (%d/%d)", e.Path, done, total),
			})
		},
	})
	area, err := stager.Stage(ctx, work)
	if err != nil {
		return nil, nil, err
	}
	s.setStaging(area.Dir)
	return area, fetched, nil
}

func (u *Updater) downloadSnapshot(ctx context.Context, s *Session, res *CheckResult, logger *log.Logger) (*staging.Area, *FetchedManifest, error) {
	u.events.emit(EventProgress{Percent: 0, Message: "Downloading source snapshot"})
	full, err := u.stageSnapshot(ctx, res, u.backups.Excludes())
	if err != nil {
		return nil, nil, err
	}

	work, err := u.hasher.Diff(ctx, u.opts.InstallRoot, full.Entries)
	if err != nil {
		_ = full.Remove()
		return nil, nil, newStageError(StageFetch, ErrResolutionFailed, err)
	}
	m := &manifest.Manifest{Version: res.Version, ReleaseDate: u.now().Format(manifest.DateLayout), Files: full.Entries}
	s.setPlan(m, work)
	s.setStaging(full.Dir)
	logger.Info("computed work list from snapshot", "changed", len(work), "total", len(full.Entries))
	u.events.emit(EventProgress{Percent: 100, Message: fmt.Sprintf("Staged %d files from source snapshot", len(work))})
	return staging.Adopt(full.Dir, work), nil, nil
}

// StartHandoff launches the restart script of r. On failure every file the
// apply replaced is restored and the staging directory removed, so the
// application keeps running on the old version; the session and its
// history entry become RolledBack.
func (u *Updater) StartHandoff(r *ApplyResult) error {
	if r == nil || r.Script == "" {
		return nil
	}
	err := handoff.Start(r.strategy, r.Script)
	if err == nil {
		u.logger.Info("handoff started", "script", r.Script)
		return nil
	}

	serr := newStageError(StageHandoff, ErrHandoffFailed, err)
	rbErr := r.journal.Rollback()
	serr.RolledBack = rbErr == nil
	if rbErr != nil {
		serr.Err = errors.Join(err, rbErr)
	}
	_ = os.Remove(r.Script)
	if rmErr := r.area.Remove(); rmErr != nil {
		u.logger.Warn("removing staging directory", "err", rmErr)
	}
	u.logger.Error("handoff failed", "err", serr.Err, "rolled_back", serr.RolledBack)
	if r.session != nil {
		if revErr := r.session.revertCompleted(); revErr != nil {
			u.logger.Warn("updating session state", "err", revErr)
		}
		u.record(r.session, r.check, r, serr)
	}
	u.events.emit(EventError{Err: serr})
	return serr
}

func (u *Updater) record(s *Session, res *CheckResult, out *ApplyResult, err error) {
	if u.history == nil {
		return
	}
	a := history.Attempt{
		ID:          s.ID,
		StartedAt:   s.StartedAt,
		FinishedAt:  u.now(),
		FromVersion: u.installed.String(),
		ToVersion:   res.Version,
		Outcome:     s.State().String(),
		Files:       len(s.WorkList()),
	}
	if out != nil {
		a.Files = len(out.Applied) + len(out.Deferred)
	}
	if err != nil {
		a.Error = err.Error()
	}
	if recErr := u.history.Record(context.Background(), a); recErr != nil {
		u.logger.Warn("recording update attempt", "err", recErr)
	}
}

func classifyFetch(err error) error {
	var inc *inconsistentError
	switch {
	case errors.Is(err, context.Canceled):
		return newStageError(StageFetch, ErrCanceled, err)
	case errors.Is(err, manifest.ErrMalformed), errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrAssetNotFound), errors.As(err, &inc):
		return newStageError(StageFetch, ErrManifestInconsistent, err)
	default:
		return newStageError(StageFetch, ErrDownloadFailed, err)
	}
}

func classifyStaging(err error) error {
	switch {
	case errors.Is(err, contenthash.ErrMismatch):
		return ErrIntegrityCheckFailed
	case errors.Is(err, staging.ErrTooLarge), errors.Is(err, errUnsafeArchivePath):
		return ErrIntegrityCheckFailed
	default:
		return ErrDownloadFailed
	}
}
