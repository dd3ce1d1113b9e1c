// SPDX-License-Identifier: MPL-2.0

// Package history keeps a bounded, timestamped record of update attempts in a
// small SQLite database next to the update log.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver.
)

const (
	// FileName is the database file name inside the log directory.
	FileName = "update-history.db"

	// DefaultLimit is the number of attempts retained.
	DefaultLimit = 50

	schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL,
	from_version TEXT NOT NULL,
	to_version   TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	files        INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS attempts_started ON attempts(started_at);
`
)

type (
	// Attempt is one recorded update session.
	Attempt struct {
		ID          string    `json:"id" yaml:"id"`
		StartedAt   time.Time `json:"started_at" yaml:"started_at"`
		FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
		FromVersion string    `json:"from_version" yaml:"from_version"`
		ToVersion   string    `json:"to_version" yaml:"to_version"`
		Outcome     string    `json:"outcome" yaml:"outcome"`
		Files       int       `json:"files" yaml:"files"`
		Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	}

	// Store is the attempt database.
	Store struct {
		db    *sql.DB
		limit int
	}
)

// Open opens (creating if needed) the database at path, keeping at most
// limit attempts (DefaultLimit when limit <= 0).
func Open(ctx context.Context, path string, limit int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing history db: %w", err)
	}
	return &Store{db: db, limit: limit}, nil
}

// buildDSN creates a read-write DSN with a busy timeout for path.
func buildDSN(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(3000)")
	q.Add("_pragma", "journal_mode(WAL)")
	u.RawQuery = q.Encode()
	return u.String()
}

// Record inserts a, replacing an attempt with the same ID, and prunes the
// table to the configured limit.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after Commit

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO attempts (id, started_at, finished_at, from_version, to_version, outcome, files, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StartedAt.UnixMilli(), a.FinishedAt.UnixMilli(),
		a.FromVersion, a.ToVersion, a.Outcome, a.Files, a.Error)
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
DELETE FROM attempts WHERE id NOT IN (
	SELECT id FROM attempts ORDER BY started_at DESC, id DESC LIMIT ?
)`, s.limit)
	if err != nil {
		return fmt.Errorf("pruning attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// List returns up to limit attempts, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, from_version, to_version, outcome, files, error
FROM attempts ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attempt
	for rows.Next() {
		var (
			a                 Attempt
			started, finished int64
		)
		if err := rows.Scan(&a.ID, &started, &finished, &a.FromVersion, &a.ToVersion, &a.Outcome, &a.Files, &a.Error); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.StartedAt = time.UnixMilli(started)
		a.FinishedAt = time.UnixMilli(finished)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
