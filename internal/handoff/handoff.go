// SPDX-License-Identifier: MPL-2.0

// Package handoff produces the short-lived external script that finishes an
// update after the running application has exited: it waits, terminates
// stale instances, copies the files the application had locked, verifies
// them, rolls back from the backup on failure, relaunches and removes itself.
package handoff

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/bprojman/bpm-update/internal/manifest"
	"github.com/bprojman/bpm-update/internal/platform"
)

const (
	// ScriptPrefix starts every generated script file name.
	ScriptPrefix = "bpm-update-handoff-"

	// DefaultParentWait bounds how long a script polls for the parent
	// process to exit before it terminates stale instances by name.
	DefaultParentWait = 30 * time.Second
)

var (
	// ErrInvalidPlan is returned when a Plan cannot be rendered safely.
	ErrInvalidPlan = errors.New("invalid handoff plan")

	//nolint:gochecknoglobals // Test seam for starting the detached process.
	startCommand = func(cmd *exec.Cmd) error { return cmd.Start() }
)

type (
	// Plan is everything a handoff script needs. Files are slash-separated
	// paths relative to InstallRoot, staged under StagingDir and backed up
	// under BackupDir.
	Plan struct {
		SessionID   string
		InstallRoot string
		StagingDir  string
		BackupDir   string
		Files       []string
		// Launcher is the argv used to relaunch the application. Empty
		// skips the relaunch.
		Launcher []string
		// AppName is the process name of stale instances to terminate.
		AppName string
		// PID of the process starting the handoff. The script waits for it
		// to exit; it is never signaled, since the number may be reused.
		PID   int
		Delay time.Duration
		// ParentWait bounds the wait for PID (default DefaultParentWait).
		ParentWait time.Duration
		// ScriptDir holds the script (default os.TempDir()).
		ScriptDir string
		// ScriptPath is filled in by Prepare.
		ScriptPath string
	}

	// Strategy renders and starts the handoff for one platform family. All
	// strategies share the staging/backup contract of Plan.
	Strategy interface {
		Name() string
		Ext() string
		Render(p Plan) ([]byte, error)
		Command(scriptPath string) *exec.Cmd
	}
)

// ForOS returns the strategy for goos.
func ForOS(goos string) Strategy {
	if goos == platform.Windows {
		return Windows{}
	}
	return POSIX{}
}

// Default returns the strategy for the running platform.
func Default() Strategy { return ForOS(runtime.GOOS) }

// Prepare validates p, renders it with s and writes the script. It returns
// the script path.
func Prepare(s Strategy, p Plan) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	dir := p.ScriptDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating script directory: %w", err)
	}
	p.ScriptPath = filepath.Join(dir, ScriptPrefix+p.SessionID+s.Ext())

	script, err := s.Render(p)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p.ScriptPath, script, 0o755); err != nil { //nolint:gosec // The script must be executable.
		return "", fmt.Errorf("writing handoff script: %w", err)
	}
	return p.ScriptPath, nil
}

// Start launches the script detached from the current process. After it
// returns nil the caller is expected to exit promptly.
func Start(s Strategy, scriptPath string) error {
	cmd := s.Command(scriptPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)
	if err := startCommand(cmd); err != nil {
		return fmt.Errorf("starting %s handoff: %w", s.Name(), err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release() //nolint:errcheck // The child outlives this process.
	}
	return nil
}

// Validate checks the plan for values no strategy can render safely.
func (p Plan) Validate() error {
	if p.SessionID == "" || strings.ContainsAny(p.SessionID, "/\\ \r\n") {
		return fmt.Errorf("%w: bad session id %q", ErrInvalidPlan, p.SessionID)
	}
	for name, dir := range map[string]string{
		"install root": p.InstallRoot,
		"staging dir":  p.StagingDir,
		"backup dir":   p.BackupDir,
	} {
		if dir == "" || !filepath.IsAbs(dir) {
			return fmt.Errorf("%w: %s must be an absolute path, got %q", ErrInvalidPlan, name, dir)
		}
	}
	for _, f := range p.Files {
		if !manifest.IsLocalPath(f) {
			return fmt.Errorf("%w: file %q is not a relative path", ErrInvalidPlan, f)
		}
	}
	if p.Delay < 0 || p.ParentWait < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidPlan)
	}
	return nil
}

// delaySeconds rounds the delay up to whole seconds.
func (p Plan) delaySeconds() int {
	return int(math.Ceil(p.Delay.Seconds()))
}

// waitSeconds is the parent wait in whole seconds.
func (p Plan) waitSeconds() int {
	if p.ParentWait == 0 {
		return int(DefaultParentWait / time.Second)
	}
	return int(math.Ceil(p.ParentWait.Seconds()))
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
