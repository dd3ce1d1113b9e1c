// SPDX-License-Identifier: MPL-2.0

package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxComponents is the length of a full version: major, minor, patch.
const MaxComponents = 3

// ErrInvalidVersion indicates the input contains no parseable numeric version.
var ErrInvalidVersion = errors.New("invalid version")

type (
	// Version is an ordered list of one to three non-negative integer
	// components (major, minor, patch). The zero value is "0".
	Version struct {
		parts []int
	}

	// InvalidVersionError wraps ErrInvalidVersion with the offending input.
	InvalidVersionError struct {
		Value  string
		Reason string
	}
)

// Error implements error.
func (e *InvalidVersionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid version %q", e.Value)
	}
	return fmt.Sprintf("invalid version %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidVersion so callers can use errors.Is.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// Parse extracts a version from a release tag. Any leading non-digit prefix
// ("v", "release-") is stripped, and anything after the numeric dotted core
// ("-beta.1", "+build") is ignored.
func Parse(tag string) (Version, error) {
	s := strings.TrimSpace(tag)
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return Version{}, &InvalidVersionError{Value: tag, Reason: "no numeric component"}
	}
	s = s[start:]

	end := strings.IndexFunc(s, func(r rune) bool { return !isDigit(r) && r != '.' })
	if end >= 0 {
		s = s[:end]
	}
	s = strings.TrimRight(s, ".")

	fields := strings.Split(s, ".")
	if len(fields) > MaxComponents {
		return Version{}, &InvalidVersionError{Value: tag, Reason: fmt.Sprintf("more than %d components", MaxComponents)}
	}
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			return Version{}, &InvalidVersionError{Value: tag, Reason: "empty component"}
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, &InvalidVersionError{Value: tag, Reason: err.Error()}
		}
		parts = append(parts, n)
	}

	return Version{parts: parts}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(tag string) Version {
	v, err := Parse(tag)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or +1 depending on whether a is lower than, equal to,
// or greater than b. Components are compared pairwise from the most
// significant one; the shorter version is zero-padded.
func Compare(a, b Version) int {
	n := max(len(a.parts), len(b.parts))
	for i := range n {
		x, y := a.at(i), b.at(i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// CompareStrings parses both tags and compares them.
func CompareStrings(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return Compare(va, vb), nil
}

// Less reports whether v orders before other.
func (v Version) Less(other Version) bool { return Compare(v, other) < 0 }

// Equal reports whether v and other are equal after zero-padding.
func (v Version) Equal(other Version) bool { return Compare(v, other) == 0 }

// Major returns the first component.
func (v Version) Major() int { return v.at(0) }

// Minor returns the second component.
func (v Version) Minor() int { return v.at(1) }

// Patch returns the third component.
func (v Version) Patch() int { return v.at(2) }

// IsZero reports whether every component is zero.
func (v Version) IsZero() bool {
	for _, p := range v.parts {
		if p != 0 {
			return false
		}
	}
	return true
}

// String renders the version with at least three components ("1.2" -> "1.2.0").
func (v Version) String() string {
	n := max(len(v.parts), 3)
	out := make([]string, n)
	for i := range n {
		out[i] = strconv.Itoa(v.at(i))
	}
	return strings.Join(out, ".")
}

func (v Version) at(i int) int {
	if i < len(v.parts) {
		return v.parts[i]
	}
	return 0
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
