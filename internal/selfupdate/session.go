// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bprojman/bpm-update/internal/manifest"
)

const (
	// StateIdle is a fresh session.
	StateIdle SessionState = iota
	// StateCheckingForUpdate is resolving the latest release.
	StateCheckingForUpdate
	// StateNoUpdate is terminal: the installation is current.
	StateNoUpdate
	// StateUpdateAvailable holds a resolved, newer release.
	StateUpdateAvailable
	// StateDownloading is fetching the manifest and staging files.
	StateDownloading
	// StateStaged has every changed file downloaded and verified.
	StateStaged
	// StateBackingUp is snapshotting the installation. From here on the
	// session ignores cancellation.
	StateBackingUp
	// StateApplying is replacing live files.
	StateApplying
	// StateCompleted is terminal: every file is in place.
	StateCompleted
	// StateRolledBack is terminal: the apply failed and was undone.
	StateRolledBack
	// StateAborted is terminal: a step before the apply failed or was
	// canceled and the installation was never touched.
	StateAborted
)

// transitions lists the legal successors of every non-terminal state.
//
//nolint:gochecknoglobals // Read-only lookup table.
var transitions = map[SessionState][]SessionState{
	StateIdle:              {StateCheckingForUpdate},
	StateCheckingForUpdate: {StateNoUpdate, StateUpdateAvailable, StateAborted},
	StateUpdateAvailable:   {StateDownloading, StateAborted},
	StateDownloading:       {StateStaged, StateAborted},
	StateStaged:            {StateBackingUp, StateAborted},
	StateBackingUp:         {StateApplying, StateAborted},
	StateApplying:          {StateCompleted, StateRolledBack},
}

type (
	// SessionState is the lifecycle state of an update session.
	SessionState int32

	// Session is one update attempt against one installation, created by
	// Check and driven to a terminal state by Apply. It is owned by the
	// Updater that created it.
	Session struct {
		ID        string
		StartedAt time.Time

		state atomic.Int32

		mu         sync.Mutex
		manifest   *manifest.Manifest
		workList   []manifest.FileEntry
		stagingDir string
		backupDir  string
	}
)

// String returns a human-readable representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCheckingForUpdate:
		return "CheckingForUpdate"
	case StateNoUpdate:
		return "NoUpdate"
	case StateUpdateAvailable:
		return "UpdateAvailable"
	case StateDownloading:
		return "Downloading"
	case StateStaged:
		return "Staged"
	case StateBackingUp:
		return "BackingUp"
	case StateApplying:
		return "Applying"
	case StateCompleted:
		return "Completed"
	case StateRolledBack:
		return "RolledBack"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Cancelable reports whether a caller cancellation is still honored.
func (s SessionState) Cancelable() bool {
	return s <= StateStaged && !s.Terminal()
}

func newSession(now time.Time) *Session {
	return &Session{ID: uuid.NewString(), StartedAt: now}
}

// State returns the current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// revertCompleted moves a Completed session to RolledBack. It is the one
// way out of a terminal state: a handoff that cannot be started undoes an
// apply that had already completed.
func (s *Session) revertCompleted() error {
	if !s.state.CompareAndSwap(int32(StateCompleted), int32(StateRolledBack)) {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.State(), StateRolledBack)
	}
	return nil
}

// advance moves the session from its current state to next.
func (s *Session) advance(next SessionState) error {
	for {
		cur := s.State()
		if !slices.Contains(transitions[cur], next) {
			return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, cur, next)
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// Manifest returns the manifest chosen for the session, once fetched.
func (s *Session) Manifest() *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// WorkList returns the entries that needed transfer.
func (s *Session) WorkList() []manifest.FileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.workList)
}

// StagingDir returns the staging directory, if one was created.
func (s *Session) StagingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagingDir
}

// BackupDir returns the snapshot directory, if one was created.
func (s *Session) BackupDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupDir
}

func (s *Session) setPlan(m *manifest.Manifest, work []manifest.FileEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
	s.workList = work
}

func (s *Session) setStaging(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagingDir = dir
}

func (s *Session) setBackup(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupDir = dir
}
