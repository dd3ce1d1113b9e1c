// SPDX-License-Identifier: MPL-2.0

package handoff

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// POSIX renders a /bin/sh script.
type POSIX struct{}

// Name implements Strategy.
func (POSIX) Name() string { return "posix" }

// Ext implements Strategy.
func (POSIX) Ext() string { return ".sh" }

// Command implements Strategy.
func (POSIX) Command(scriptPath string) *exec.Cmd {
	return exec.Command("/bin/sh", scriptPath) //nolint:gosec // The script path is generated by Prepare.
}

// Render implements Strategy. Every value is quoted with syntax.Quote and
// the output is parsed back as POSIX shell before it is returned.
func (POSIX) Render(p Plan) ([]byte, error) {
	var (
		b    bytes.Buffer
		qErr error
	)
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }
	quote := func(s string) string {
		out, err := syntax.Quote(s, syntax.LangPOSIX)
		if err != nil && qErr == nil {
			qErr = fmt.Errorf("%w: %q cannot be quoted for sh: %w", ErrInvalidPlan, s, err)
		}
		return out
	}

	self := `"$0"`
	if p.ScriptPath != "" {
		self = quote(p.ScriptPath)
	}

	line("#!/bin/sh")
	line("# bpm-update restart handoff, session %s", p.SessionID)
	line("set -u")
	line("")
	line("root=%s", quote(p.InstallRoot))
	line("staging=%s", quote(p.StagingDir))
	line("backup=%s", quote(p.BackupDir))
	line("script=%s", self)
	line("touched=0")
	line("failed=0")
	line("")
	// A file that was backed up keeps the backup's mode: the copy is made
	// from the backup and its content overwritten in place.
	line("install_file() {")
	line(`	mkdir -p "$(dirname "$root/$1")" || return 1`)
	line(`	rm -f "$root/$1" || return 1`)
	line(`	if [ -e "$backup/$1" ]; then`)
	line(`		cp -p "$backup/$1" "$root/$1" && cat "$staging/$1" >"$root/$1"`)
	line("	else")
	line(`		cp "$staging/$1" "$root/$1" && chmod 644 "$root/$1"`)
	line("	fi || return 1")
	line(`	cmp -s "$staging/$1" "$root/$1"`)
	line("}")
	line("")
	line("restore_file() {")
	line(`	rm -f "$root/$1"`)
	line(`	if [ -e "$backup/$1" ]; then`)
	line(`		mkdir -p "$(dirname "$root/$1")"`)
	line(`		cp -p "$backup/$1" "$root/$1"`)
	line("	fi")
	line("}")
	line("")
	line("sleep %d", p.delaySeconds())
	if p.PID > 0 {
		line("waited=0")
		line("while kill -0 %d 2>/dev/null && [ \"$waited\" -lt %d ]; do", p.PID, p.waitSeconds())
		line("	sleep 1")
		line("	waited=$((waited + 1))")
		line("done")
	}
	if p.AppName != "" {
		line("pkill -9 -x %s 2>/dev/null || true", quote(p.AppName))
	}

	for i, f := range p.Files {
		line("")
		line(`if [ "$failed" -eq 0 ]; then`)
		line("	touched=%d", i+1)
		line("	install_file %s || failed=1", quote(f))
		line("fi")
	}

	if len(p.Files) > 0 {
		line("")
		line(`if [ "$failed" -ne 0 ]; then`)
		line(`	echo "bpm-update: handoff failed, restoring backup" >&2`)
		for i := len(p.Files) - 1; i >= 0; i-- {
			line(`	if [ "$touched" -ge %d ]; then restore_file %s; fi`, i+1, quote(p.Files[i]))
		}
		line("fi")
	}

	line("")
	if len(p.Launcher) > 0 {
		words := make([]string, len(p.Launcher))
		for i, w := range p.Launcher {
			words[i] = quote(w)
		}
		line(`(cd "$root" && %s) >/dev/null 2>&1 &`, strings.Join(words, " "))
	}
	line(`rm -rf "$staging"`)
	line(`rm -f "$script"`)
	line(`exit "$failed"`)

	if qErr != nil {
		return nil, qErr
	}
	out := b.Bytes()
	if _, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(bytes.NewReader(out), "handoff.sh"); err != nil {
		return nil, fmt.Errorf("%w: rendered script does not parse: %w", ErrInvalidPlan, err)
	}
	return out, nil
}
