// SPDX-License-Identifier: MPL-2.0

package cueutil

// DefaultMaxFileSize is the default maximum document size (5MB).
const DefaultMaxFileSize int64 = 5 * 1024 * 1024

type (
	// unifyOptions holds configuration for Unify.
	unifyOptions struct {
		maxFileSize int64
		concrete    bool
		filename    string
	}

	// Option configures Unify.
	Option func(*unifyOptions)
)

func defaultOptions() unifyOptions {
	return unifyOptions{
		maxFileSize: DefaultMaxFileSize,
		concrete:    true,
	}
}

// WithMaxFileSize sets the maximum allowed document size.
func WithMaxFileSize(size int64) Option {
	return func(o *unifyOptions) {
		o.maxFileSize = size
	}
}

// WithConcrete sets whether all values must be concrete after unification.
// Config files leave optional fields unset, so they validate non-concretely.
func WithConcrete(concrete bool) Option {
	return func(o *unifyOptions) {
		o.concrete = concrete
	}
}

// WithFilename names the document in error messages.
func WithFilename(name string) Option {
	return func(o *unifyOptions) {
		o.filename = name
	}
}
