// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bprojman/bpm-update/internal/backup"
	"github.com/bprojman/bpm-update/internal/handoff"
	"github.com/bprojman/bpm-update/internal/history"
	"github.com/bprojman/bpm-update/internal/sessionlock"
	"github.com/bprojman/bpm-update/internal/testutil"
)

type (
	eventLog struct {
		mu     sync.Mutex
		events []Event
	}

	// brokenStrategy renders real POSIX scripts but cannot start them.
	brokenStrategy struct {
		handoff.POSIX
	}

	testInstall struct {
		root     string
		staging  string
		scripts  string
		updater  *Updater
		events   *eventLog
		registry *fakeRegistry
	}
)

func (brokenStrategy) Command(string) *exec.Cmd {
	return exec.Command(filepath.Join(os.TempDir(), "bpm-update-missing", "sh"))
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, EventName(e))
	}
	return out
}

var installedTree = map[string]string{
	"app/main.py":   "print(3)\n",
	"app/util.py":   "def f():\n    pass\n",
	"bpm.exe":       "exe-1.0.3",
	"settings.json": "{\"theme\":\"dark\"}",
}

var releasedTree = map[string]string{
	"app/main.py": "print(4)\n",
	// Only line endings differ: not part of the work list.
	"app/util.py": "def f():\r\n    pass\r\n",
	"app/new.py":  "NEW = True\n",
	"bpm.exe":     "exe-1.0.4",
}

func newTestInstall(t *testing.T, mutate func(*Options), extra ...UpdaterOption) *testInstall {
	t.Helper()

	ti := &testInstall{
		root:     t.TempDir(),
		staging:  t.TempDir(),
		scripts:  t.TempDir(),
		events:   &eventLog{},
		registry: newFakeRegistry(t),
	}
	testutil.WriteTree(t, ti.root, installedTree)

	opts := Options{
		InstallRoot:    ti.root,
		Executable:     "bpm.exe",
		AppName:        "bpm",
		Launcher:       []string{"./bpm.exe"},
		CurrentVersion: "1.0.3",
		StagingParent:  ti.staging,
		ScriptDir:      ti.scripts,
		HandoffDelay:   time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	extra = append([]UpdaterOption{
		WithGitHubClient(ti.registry.client()),
		WithStrategy(handoff.POSIX{}),
	}, extra...)
	u, err := NewUpdater(opts, extra...)
	if err != nil {
		t.Fatalf("NewUpdater: %v", err)
	}
	u.Subscribe(ti.events.record)
	ti.updater = u
	return ti
}

// live returns the installation files, without backups and the lock file.
func (ti *testInstall) live(t *testing.T) map[string]string {
	t.Helper()

	tree := testutil.ReadTree(t, ti.root, backup.DefaultDir)
	delete(tree, sessionlock.FileName)
	return tree
}

func (ti *testInstall) stagingDirs(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(ti.staging)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func (ti *testInstall) check(t *testing.T) *CheckResult {
	t.Helper()

	res, err := ti.updater.Check(context.Background(), "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Available {
		t.Fatalf("no update available: %s", res.Message)
	}
	return res
}

func assertKind(t *testing.T, err, kind error) *StageError {
	t.Helper()

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageError with kind %v, got %T: %v", kind, err, err)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("got kind %v, want %v (%v)", se.Kind, kind, err)
	}
	return se
}

func TestUpdater_ApplyEndToEnd(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree, Checksums: true})

	res := ti.check(t)
	if res.Version != "1.0.4" || res.IntegrityDegraded {
		t.Fatalf("unexpected check result: %+v", res)
	}

	out, err := ti.updater.Apply(context.Background(), res)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := res.Session().State(); got != StateCompleted {
		t.Errorf("session state %s, want Completed", got)
	}
	if !slices.Equal(out.Applied, []string{"app/main.py", "app/new.py"}) {
		t.Errorf("applied %v", out.Applied)
	}
	if !slices.Equal(out.Deferred, []string{"bpm.exe", ReceiptFile}) {
		t.Errorf("deferred %v", out.Deferred)
	}

	live := ti.live(t)
	if live["app/main.py"] != "print(4)\n" || live["app/new.py"] != "NEW = True\n" {
		t.Errorf("files not replaced: %v", live)
	}
	if live["app/util.py"] != installedTree["app/util.py"] {
		t.Error("unchanged file was rewritten")
	}
	if live["bpm.exe"] != "exe-1.0.3" {
		t.Error("the running executable must be left to the handoff")
	}
	if live["settings.json"] != installedTree["settings.json"] {
		t.Error("user settings were touched")
	}

	// The handoff copies the executable and receipt from staging.
	staged := res.Session().StagingDir()
	if data, err := os.ReadFile(filepath.Join(staged, "bpm.exe")); err != nil || string(data) != "exe-1.0.4" {
		t.Errorf("staged executable: %q, %v", data, err)
	}
	receipt, err := ReadReceipt(staged)
	if err != nil || receipt == nil || receipt.Version != "1.0.4" || receipt.ManifestSHA256 == "" {
		t.Errorf("staged receipt: %+v, %v", receipt, err)
	}

	saved := testutil.ReadTree(t, out.Backup)
	if saved["app/main.py"] != "print(3)\n" || saved["bpm.exe"] != "exe-1.0.3" {
		t.Errorf("backup is missing the replaced files: %v", saved)
	}
	if _, ok := saved["settings.json"]; ok {
		t.Error("excluded settings were backed up")
	}

	script, err := os.ReadFile(out.Script)
	if err != nil {
		t.Fatalf("reading handoff script: %v", err)
	}
	if !strings.Contains(string(script), "'bpm.exe'") || !strings.Contains(string(script), staged) {
		t.Errorf("handoff script does not install the executable from staging:\n%s", script)
	}

	names := ti.events.names()
	if names[0] != "UpdateAvailable" {
		t.Errorf("first event %s", names[0])
	}
	if tail := names[len(names)-2:]; !slices.Equal(tail, []string{"Completed", "RestartRequired"}) {
		t.Errorf("events end with %v", tail)
	}
	if !slices.Contains(names, "Progress") || slices.Contains(names, "Error") {
		t.Errorf("events %v", names)
	}

	lock, err := sessionlock.Acquire(ti.root, "test")
	if err != nil {
		t.Fatalf("session lock still held: %v", err)
	}
	_ = lock.Release()

	if _, err := ti.updater.Apply(context.Background(), res); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("re-applying a completed session: %v", err)
	}
}

func TestUpdater_IntegrityFailureLeavesInstallationUntouched(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{
		Version: "1.0.4",
		Files:   releasedTree,
		Tamper:  map[string]string{"app/new.py": "import os; os.system('evil')\n"},
	})
	before := ti.live(t)

	res := ti.check(t)
	_, err := ti.updater.Apply(context.Background(), res)
	se := assertKind(t, err, ErrIntegrityCheckFailed)
	if se.Retryable || se.RolledBack {
		t.Errorf("got %+v", se)
	}

	if after := ti.live(t); !maps.Equal(before, after) {
		t.Errorf("installation changed:\nbefore %v\nafter  %v", before, after)
	}
	if dirs := ti.stagingDirs(t); len(dirs) != 0 {
		t.Errorf("staging not removed: %v", dirs)
	}
	if _, err := os.Stat(filepath.Join(ti.root, backup.DefaultDir)); !os.IsNotExist(err) {
		t.Error("a backup was taken before staging completed")
	}
	if res.Session().State() != StateAborted {
		t.Errorf("session state %s, want Aborted", res.Session().State())
	}
	if names := ti.events.names(); names[len(names)-1] != "Error" {
		t.Errorf("events %v", names)
	}
}

func TestUpdater_StartHandoffFailureRollsBack(t *testing.T) {
	t.Parallel()

	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), history.FileName), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ti := newTestInstall(t, nil, WithStrategy(brokenStrategy{}), WithHistory(store))
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})
	before := ti.live(t)

	res := ti.check(t)
	out, err := ti.updater.Apply(context.Background(), res)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out.Deferred) == 0 {
		t.Fatal("expected files deferred to the handoff")
	}

	err = ti.updater.StartHandoff(out)
	se := assertKind(t, err, ErrHandoffFailed)
	if !se.RolledBack {
		t.Error("handoff failure did not report a rollback")
	}
	if after := ti.live(t); !maps.Equal(before, after) {
		t.Errorf("rollback incomplete:\nbefore %v\nafter  %v", before, after)
	}
	if _, err := os.Stat(out.Script); !os.IsNotExist(err) {
		t.Error("handoff script left behind")
	}
	if dirs := ti.stagingDirs(t); len(dirs) != 0 {
		t.Errorf("staging dirs left after rollback: %v", dirs)
	}
	if got := res.Session().State(); got != StateRolledBack {
		t.Errorf("session state = %s, want RolledBack", got)
	}

	attempts, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("recorded %d attempts, want 1", len(attempts))
	}
	if attempts[0].Outcome != StateRolledBack.String() || attempts[0].Error == "" {
		t.Errorf("attempt = %+v, want a RolledBack outcome with its error", attempts[0])
	}
}

func TestUpdater_CheckIsSideEffectFree(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})
	before := ti.live(t)

	first := ti.check(t)
	second := ti.check(t)
	if first.Version != second.Version || first.Location() != second.Location() {
		t.Errorf("checks disagree: %+v vs %+v", first, second)
	}
	if first.Session().ID == second.Session().ID {
		t.Error("each check starts its own session")
	}
	if after := ti.live(t); !maps.Equal(before, after) {
		t.Error("check modified the installation")
	}
	if n := ti.registry.hitCount("/download/v1.0.4/app/main.py"); n != 0 {
		t.Errorf("check downloaded release files (%d requests)", n)
	}
	if n := ti.registry.hitCount("/download/v1.0.4/" + DefaultManifestAsset); n != 0 {
		t.Errorf("check downloaded the manifest (%d requests)", n)
	}
}

func TestUpdater_NoUpdate(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, func(o *Options) { o.CurrentVersion = "1.0.4" })
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})

	res, err := ti.updater.Check(context.Background(), "")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Available || res.Session().State() != StateNoUpdate {
		t.Errorf("got %+v in state %s", res, res.Session().State())
	}
	if _, err := ti.updater.Apply(context.Background(), res); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("Apply without update: %v", err)
	}
	if slices.Contains(ti.events.names(), "UpdateAvailable") {
		t.Error("UpdateAvailable emitted without an update")
	}
}

func TestUpdater_CheckFailureIsRetryable(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	// No release published: the registry answers 404.
	_, err := ti.updater.Check(context.Background(), "")
	se := assertKind(t, err, ErrResolutionFailed)
	if !se.Retryable {
		t.Error("resolution failures are retryable")
	}
}

func TestUpdater_UnverifiedSnapshot(t *testing.T) {
	t.Parallel()

	snapshot := map[string]string{
		"app/main.py":   "print(4)\n",
		"app/util.py":   installedTree["app/util.py"],
		"settings.json": "{\"theme\":\"release default\"}",
	}

	t.Run("refused by default", func(t *testing.T) {
		t.Parallel()

		ti := newTestInstall(t, func(o *Options) { o.Executable = "" })
		ti.registry.publish(fakeRelease{Version: "1.0.4", Files: snapshot, NoManifest: true})
		before := ti.live(t)

		res := ti.check(t)
		if !res.IntegrityDegraded {
			t.Fatal("snapshot release not flagged as degraded")
		}
		_, err := ti.updater.Apply(context.Background(), res)
		assertKind(t, err, ErrUnverifiedRefused)
		if after := ti.live(t); !maps.Equal(before, after) {
			t.Error("refused update modified the installation")
		}
	})

	t.Run("allowed", func(t *testing.T) {
		t.Parallel()

		ti := newTestInstall(t, func(o *Options) {
			o.Executable = ""
			o.AllowUnverifiedSnapshot = true
		})
		ti.registry.publish(fakeRelease{Version: "1.0.4", Files: snapshot, NoManifest: true})

		out, err := ti.updater.Apply(context.Background(), ti.check(t))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !out.Degraded || len(out.Deferred) != 0 {
			t.Errorf("got %+v", out)
		}

		live := ti.live(t)
		if live["app/main.py"] != "print(4)\n" {
			t.Error("snapshot file not applied")
		}
		if live["settings.json"] != installedTree["settings.json"] {
			t.Error("excluded user settings overwritten from snapshot")
		}
		receipt, err := ReadReceipt(ti.root)
		if err != nil || receipt == nil || receipt.Version != "1.0.4" || !receipt.Degraded {
			t.Errorf("receipt %+v, %v", receipt, err)
		}
		if dirs := ti.stagingDirs(t); len(dirs) != 0 {
			t.Errorf("staging kept without deferred files: %v", dirs)
		}
	})
}

func TestUpdater_SessionLockHeld(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})
	res := ti.check(t)

	lock, err := sessionlock.Acquire(ti.root, "another updater")
	if err != nil {
		t.Fatal(err)
	}
	_, err = ti.updater.Apply(context.Background(), res)
	assertKind(t, err, ErrSessionActive)
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}

	// The session is still pending once the other holder is gone.
	if _, err := ti.updater.Apply(context.Background(), res); err != nil {
		t.Errorf("Apply after lock release: %v", err)
	}
}

func TestUpdater_InProcessGuard(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.updater.active.Store(true)

	_, err := ti.updater.Check(context.Background(), "")
	assertKind(t, err, ErrSessionActive)
}

func TestUpdater_CanceledBeforeApply(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})
	before := ti.live(t)
	res := ti.check(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ti.updater.Apply(ctx, res)
	se := assertKind(t, err, ErrCanceled)
	if se.Retryable {
		t.Error("cancellation is not retryable")
	}
	if res.Session().State() != StateAborted {
		t.Errorf("session state %s", res.Session().State())
	}
	if after := ti.live(t); !maps.Equal(before, after) {
		t.Error("canceled update modified the installation")
	}
	if dirs := ti.stagingDirs(t); len(dirs) != 0 {
		t.Errorf("staging left behind: %v", dirs)
	}
}

func TestUpdater_RequiredVersionGate(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "2.0.0", RequiredVersion: "1.5.0", Files: releasedTree})

	_, err := ti.updater.Apply(context.Background(), ti.check(t))
	assertKind(t, err, ErrManifestInconsistent)
}

func TestUpdater_DownloadAndApplyWithHistory(t *testing.T) {
	t.Parallel()

	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), history.FileName), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ti := newTestInstall(t, nil, WithHistory(store))
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})

	outcome := <-ti.updater.CheckAsync(context.Background(), "")
	if outcome.Err != nil || !outcome.Result.Available {
		t.Fatalf("CheckAsync: %+v", outcome)
	}

	if _, err := ti.updater.DownloadAndApply(context.Background(), "https://elsewhere.invalid/m.json"); !errors.Is(err, ErrNoPendingUpdate) {
		t.Errorf("unknown location: %v", err)
	}

	applied := <-ti.updater.ApplyAsync(context.Background(), outcome.Result)
	if applied.Err != nil {
		t.Fatalf("ApplyAsync: %v", applied.Err)
	}

	attempts, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("recorded %d attempts", len(attempts))
	}
	a := attempts[0]
	if a.ID != outcome.Result.Session().ID || a.Outcome != "Completed" || a.FromVersion != "1.0.3" || a.ToVersion != "1.0.4" || a.Files != 4 {
		t.Errorf("got %+v", a)
	}
}

func TestUpdater_DownloadAndApplyByLocation(t *testing.T) {
	t.Parallel()

	ti := newTestInstall(t, nil)
	ti.registry.publish(fakeRelease{Version: "1.0.4", Files: releasedTree})
	res := ti.check(t)

	out, err := ti.updater.DownloadAndApply(context.Background(), res.Location())
	if err != nil {
		t.Fatalf("DownloadAndApply: %v", err)
	}
	if out.Version != "1.0.4" || out.SessionID != res.Session().ID {
		t.Errorf("got %+v", out)
	}
}

func TestNewUpdater_Validation(t *testing.T) {
	t.Parallel()

	for name, opts := range map[string]Options{
		"no root":         {CurrentVersion: "1.0.3"},
		"bad version":     {InstallRoot: t.TempDir(), CurrentVersion: "unknown"},
		"bad exclude":     {InstallRoot: t.TempDir(), CurrentVersion: "1.0.3", BackupExcludes: []string{"[unterminated"}},
		"bad locked path": {InstallRoot: t.TempDir(), CurrentVersion: "1.0.3", LockedPaths: []string{"[unterminated"}},
	} {
		if _, err := NewUpdater(opts); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
