// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/glamour"
	"gopkg.in/yaml.v3"

	"github.com/bprojman/bpm-update/internal/issue"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

//nolint:gochecknoglobals // Read-only list of --output values.
var outputFormats = []string{outputText, outputJSON, outputYAML}

func validateOutput(format string) error {
	if slices.Contains(outputFormats, format) {
		return nil
	}
	return issue.NewErrorContext().
		WithOperation("select output format").
		WithResource(format).
		WithSuggestion("Use one of: text, json, yaml").
		Wrap(fmt.Errorf("unknown output format %q", format)).
		BuildError()
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported structured format %q", format)
	}
}

// renderMarkdown renders release notes for the terminal, falling back to
// the raw text when rendering fails.
func renderMarkdown(md string) string {
	out, err := glamour.Render(md, "auto")
	if err != nil {
		return md
	}
	return out
}

func writeKV(w io.Writer, key, value string) {
	fmt.Fprintln(w, keyStyle.Render(key)+value)
}
