// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ActionableError is a user-facing failure: the operation that was
	// attempted, the resource it touched, the underlying cause and the steps
	// a user can take. Issue optionally links a catalog page that verbose
	// output renders below the message.
	//
	//	return issue.NewErrorContext().
	//		WithOperation("load manifest").
	//		WithResource("./update_manifest.json").
	//		WithSuggestion("Run 'bpm-update manifest generate' to create one").
	//		WithIssue(issue.ManifestInconsistentId).
	//		Wrap(err).
	//		BuildError()
	ActionableError struct {
		// Operation is a verb phrase such as "apply update".
		Operation   string
		Resource    string
		Suggestions []string
		Cause       error
		Issue       Id
	}

	// ErrorContext builds an ActionableError incrementally. A context may
	// be kept and built several times; each Build returns an independent
	// error.
	ErrorContext struct {
		err ActionableError
	}
)

// NewErrorContext returns an empty builder.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{}
}

// WithOperation sets the operation being performed.
func (c *ErrorContext) WithOperation(op string) *ErrorContext {
	c.err.Operation = op
	return c
}

// WithResource sets the file, URL or version involved.
func (c *ErrorContext) WithResource(res string) *ErrorContext {
	c.err.Resource = res
	return c
}

// WithSuggestion appends a remediation step.
func (c *ErrorContext) WithSuggestion(sug string) *ErrorContext {
	c.err.Suggestions = append(c.err.Suggestions, sug)
	return c
}

// WithIssue links the error to a catalog entry.
func (c *ErrorContext) WithIssue(id Id) *ErrorContext {
	c.err.Issue = id
	return c
}

// Wrap sets the underlying cause.
func (c *ErrorContext) Wrap(err error) *ErrorContext {
	c.err.Cause = err
	return c
}

// Build returns the error, or nil when no operation was set.
func (c *ErrorContext) Build() *ActionableError {
	if c.err.Operation == "" {
		return nil
	}
	e := c.err
	e.Suggestions = append([]string(nil), c.err.Suggestions...)
	return &e
}

// BuildError is Build typed as error so a missing operation yields a nil
// interface rather than a typed nil.
func (c *ErrorContext) BuildError() error {
	if e := c.Build(); e != nil {
		return e
	}
	return nil
}

// Error returns "failed to <operation>[: <resource>][: <cause>]".
func (e *ActionableError) Error() string {
	parts := []string{"failed to " + e.Operation}
	if e.Resource != "" {
		parts = append(parts, e.Resource)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// HasSuggestions reports whether any remediation step is attached.
func (e *ActionableError) HasSuggestions() bool {
	return len(e.Suggestions) > 0
}

// Format renders the message followed by one bulleted line per suggestion.
// Verbose output appends the cause chain, one numbered line per wrapped
// error, each stripped of the message it wraps.
func (e *ActionableError) Format(verbose bool) string {
	var sb strings.Builder
	sb.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n")
		for _, s := range e.Suggestions {
			sb.WriteString("\n  • " + s)
		}
	}

	if verbose && e.Cause != nil {
		sb.WriteString("\n\nError chain:")
		for i, msg := range causeChain(e.Cause) {
			fmt.Fprintf(&sb, "\n  %d. %s", i+1, msg)
		}
	}
	return sb.String()
}

// causeChain lists the messages of err and the errors it wraps. A message
// that ends with ": <wrapped message>" is trimmed to its own part.
func causeChain(err error) []string {
	var chain []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			if own, ok := strings.CutSuffix(msg, ": "+next.Error()); ok && own != "" {
				msg = own
			}
		}
		chain = append(chain, msg)
		err = next
	}
	return chain
}
