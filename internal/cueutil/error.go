// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
)

// FormatError formats a CUE error with JSON path prefixes:
//
//	config.cue: update.keep_backups: invalid value -1 (out of bound >=1)
//	update_manifest.json: files[2].hash: invalid value "xyz"
//
// Non-CUE errors are returned prefixed with filePath.
func FormatError(err error, filePath string) error {
	if err == nil {
		return nil
	}

	cueErrors := errors.Errors(err)
	if len(cueErrors) == 0 {
		return fmt.Errorf("%s: %w", filePath, err)
	}

	lines := make([]string, 0, len(cueErrors))
	for _, e := range cueErrors {
		fullPath := errors.Path(e)
		pathStr := formatPath(trimDefinitions(fullPath))
		msg := e.Error()

		// CUE repeats the path, definition included, in the message itself.
		for _, prefix := range []string{formatPath(fullPath), pathStr} {
			if prefix != "" && strings.HasPrefix(msg, prefix+":") {
				msg = strings.TrimSpace(strings.TrimPrefix(msg, prefix+":"))
				break
			}
		}

		if pathStr != "" {
			lines = append(lines, pathStr+": "+msg)
		} else {
			lines = append(lines, msg)
		}
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", filePath, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", filePath, strings.Join(lines, "\n  "))
}

// trimDefinitions drops the leading schema definitions (such as #Manifest)
// so paths name fields of the user's document.
func trimDefinitions(path []string) []string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return path
}

// formatPath converts ["files", "2", "hash"] into "files[2].hash".
func formatPath(path []string) string {
	var b strings.Builder
	for i, part := range path {
		if i > 0 && isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CheckFileSize returns an error when data exceeds maxSize bytes.
func CheckFileSize(data []byte, maxSize int64, filename string) error {
	if int64(len(data)) > maxSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes",
			filename, len(data), maxSize)
	}
	return nil
}
