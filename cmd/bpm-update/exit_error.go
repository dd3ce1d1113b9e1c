// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/bprojman/bpm-update/internal/selfupdate"
)

// Process exit codes.
const (
	// ExitUserError covers failures the user can correct: bad configuration,
	// refused or inconsistent releases, failed verification.
	ExitUserError = 1
	// ExitRetryable covers transient failures; nothing on disk changed.
	ExitRetryable = 2
	// ExitRolledBack means live files were touched and then restored.
	ExitRolledBack = 3
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var se *selfupdate.StageError
	if errors.As(err, &se) {
		switch {
		case se.RolledBack:
			return ExitRolledBack
		case se.Retryable, errors.Is(se.Kind, selfupdate.ErrSessionActive):
			return ExitRetryable
		}
	}
	if errors.Is(err, selfupdate.ErrSessionActive) {
		return ExitRetryable
	}
	return ExitUserError
}
