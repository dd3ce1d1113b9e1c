// SPDX-License-Identifier: MPL-2.0

// Package logging builds the charmbracelet/log loggers used by the updater
// and the size-rotated file sink that keeps a bounded, timestamped record of
// update attempts on disk.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

type (
	// Options configures New.
	Options struct {
		// Level is one of debug, info, warn, error (default info).
		Level string
		// Console receives log output (default os.Stderr). Set to io.Discard
		// to silence the console.
		Console io.Writer
		// File, when non-nil, receives the same records.
		File io.Writer
		// Prefix names the component.
		Prefix string
	}

	// teeWriter duplicates writes to the console and the file. A failing
	// console never prevents the file record from being written.
	teeWriter struct {
		console io.Writer
		file    io.Writer
	}
)

// New creates a root logger with timestamps enabled.
func New(opts Options) *log.Logger {
	var w io.Writer = opts.Console
	if w == nil {
		w = os.Stderr
	}
	if opts.File != nil {
		w = &teeWriter{console: w, file: opts.File}
	}

	return log.NewWithOptions(w, log.Options{
		Level:           ParseLevel(opts.Level),
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
	})
}

// Discard returns a logger that drops everything. Components constructed
// without a logger fall back to it.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// ParseLevel converts a config string into a log level, defaulting to info.
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func (t *teeWriter) Write(p []byte) (int, error) {
	_, _ = t.console.Write(p) //nolint:errcheck // Console output is best-effort.
	return t.file.Write(p)
}
