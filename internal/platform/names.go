// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"fmt"
	"strings"
)

// reservedNames are device names Windows refuses as file names regardless
// of extension.
//
//nolint:gochecknoglobals // Read-only lookup table.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// IsWindowsReservedName reports whether name is a Windows device name.
// Extensions are ignored: "nul.txt" is reserved too.
func IsWindowsReservedName(name string) bool {
	upper := strings.ToUpper(name)
	if idx := strings.IndexByte(upper, '.'); idx != -1 {
		upper = upper[:idx]
	}
	return reservedNames[upper]
}

// CheckPortablePath returns an error when a slash-separated relative path
// has a segment that cannot be created on Windows: a reserved device name,
// a forbidden character or a trailing dot or space.
func CheckPortablePath(p string) error {
	for seg := range strings.SplitSeq(p, "/") {
		switch {
		case seg == "" || seg == "." || seg == "..":
			continue
		case IsWindowsReservedName(seg):
			return fmt.Errorf("%q is a reserved file name on Windows", seg)
		case strings.ContainsAny(seg, `<>:"|?*`):
			return fmt.Errorf("%q contains a character Windows does not allow in file names", seg)
		case strings.HasSuffix(seg, ".") || strings.HasSuffix(seg, " "):
			return fmt.Errorf("%q ends with a dot or space", seg)
		}
		for _, r := range seg {
			if r < 0x20 {
				return fmt.Errorf("%q contains a control character", seg)
			}
		}
	}
	return nil
}
