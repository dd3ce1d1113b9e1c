// SPDX-License-Identifier: MPL-2.0

// Package pathmatch matches slash-separated relative paths against
// doublestar glob sets.
//
// A pattern without a slash matches any single path segment at any depth, so
// "__pycache__" prunes every such directory and "*.pyc" matches every such
// file. A pattern with a slash is anchored at the root and matches the path
// itself or any of its ancestors, so "python/Lib" covers the whole subtree.
// "**" matches zero or more segments.
package pathmatch

import (
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Set is an immutable, validated list of glob patterns.
type Set struct {
	// globs holds the expanded doublestar patterns; each source pattern
	// becomes the pattern itself plus its subtree form.
	globs []string
	raw   []string
	fold  bool
}

// Compile validates patterns and returns a Set. Empty patterns are ignored.
func Compile(patterns []string) (*Set, error) {
	s := &Set{fold: runtime.GOOS == "windows"}
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, doublestar.ErrBadPattern)
		}

		glob := p
		if !strings.Contains(p, "/") {
			glob = "**/" + p
		}
		if s.fold {
			glob = strings.ToLower(glob)
		}
		s.globs = append(s.globs, glob, glob+"/**")
		s.raw = append(s.raw, p)
	}
	return s, nil
}

// MustCompile is like Compile but panics on invalid patterns.
func MustCompile(patterns ...string) *Set {
	s, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return s
}

// Patterns returns the normalized source patterns.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.raw...)
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.raw)
}

// Match reports whether rel (slash-separated, relative) is covered by any pattern.
func (s *Set) Match(rel string) bool {
	if s == nil || len(s.globs) == 0 {
		return false
	}
	rel = strings.Trim(path.Clean(strings.ReplaceAll(rel, `\`, "/")), "/")
	if rel == "." || rel == "" {
		return false
	}
	if s.fold {
		rel = strings.ToLower(rel)
	}
	for _, glob := range s.globs {
		// Patterns were validated by Compile.
		if doublestar.MatchUnvalidated(glob, rel) {
			return true
		}
	}
	return false
}
