// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by Updater wraps exactly one of them in a
// *StageError, so callers classify with errors.Is.
var (
	// ErrResolutionFailed covers network and parse failures while resolving
	// the latest release. It never leaves any trace on disk.
	ErrResolutionFailed = errors.New("resolution failed")

	// ErrManifestInconsistent covers malformed manifests and manifests that
	// disagree with the announced release.
	ErrManifestInconsistent = errors.New("manifest inconsistent")

	// ErrDownloadFailed covers transport failures while staging files.
	ErrDownloadFailed = errors.New("download failed")

	// ErrIntegrityCheckFailed means a downloaded file did not match its
	// manifest hash. Staging is discarded.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrBackupFailed means the snapshot could not be created or verified.
	ErrBackupFailed = errors.New("backup failed")

	// ErrApplyFailed means replacing live files failed. StageError.RolledBack
	// tells whether every touched file was restored.
	ErrApplyFailed = errors.New("apply failed")

	// ErrHandoffFailed means the restart script could not be created or
	// started. The application keeps running on the old version.
	ErrHandoffFailed = errors.New("handoff failed")

	// ErrSessionActive rejects a second concurrent session.
	ErrSessionActive = errors.New("an update session is already active")

	// ErrUnverifiedRefused rejects a source-snapshot update when unverified
	// updates are not allowed.
	ErrUnverifiedRefused = errors.New("refusing unverified source snapshot")

	// ErrCanceled reports a cancellation honored before any mutation.
	ErrCanceled = errors.New("update canceled")

	// ErrNoPendingUpdate is returned when Apply is called without an
	// available update from Check.
	ErrNoPendingUpdate = errors.New("no pending update")
)

// Stage names the step of a session that failed.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageFetch    Stage = "fetch manifest"
	StageDownload Stage = "download"
	StageBackup   Stage = "backup"
	StageApply    Stage = "apply"
	StageHandoff  Stage = "handoff"
	StageSession  Stage = "session"
)

// StageError is the typed result of a failed session step.
type StageError struct {
	Stage Stage
	// Kind is one of the Err* sentinels above.
	Kind error
	// Retryable is true for transient failures the caller may retry later.
	Retryable bool
	// RolledBack is true when live files were touched and then restored.
	RolledBack bool
	Err        error
}

// Error implements error.
func (e *StageError) Error() string {
	msg := e.Kind.Error()
	// "handoff failed" already names its stage.
	if !strings.HasPrefix(msg, string(e.Stage)) {
		msg = string(e.Stage) + ": " + msg
	}
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newStageError(stage Stage, kind, err error) *StageError {
	retryable := (errors.Is(kind, ErrResolutionFailed) || errors.Is(kind, ErrDownloadFailed)) &&
		!errors.Is(err, context.Canceled)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		retryable = true
	}
	return &StageError{Stage: stage, Kind: kind, Retryable: retryable, Err: err}
}

// KindOf returns the error kind of err, or nil if err is not a StageError.
func KindOf(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
