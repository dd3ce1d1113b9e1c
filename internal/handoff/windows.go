// SPDX-License-Identifier: MPL-2.0

package handoff

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Windows renders a cmd.exe batch script.
type Windows struct{}

// Name implements Strategy.
func (Windows) Name() string { return "windows" }

// Ext implements Strategy.
func (Windows) Ext() string { return ".cmd" }

// Command implements Strategy.
func (Windows) Command(scriptPath string) *exec.Cmd {
	return exec.Command("cmd.exe", "/C", scriptPath) //nolint:gosec // The script path is generated by Prepare.
}

// Render implements Strategy.
func (Windows) Render(p Plan) ([]byte, error) {
	values := append([]string{p.InstallRoot, p.StagingDir, p.BackupDir, p.AppName}, p.Files...)
	values = append(values, p.Launcher...)
	for _, v := range values {
		if hasLineBreak(v) || strings.Contains(v, `"`) {
			return nil, fmt.Errorf("%w: %q cannot be quoted for cmd.exe", ErrInvalidPlan, v)
		}
	}

	var b bytes.Buffer
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\r\n", args...) }

	line("@echo off")
	line("rem bpm-update restart handoff, session %s", p.SessionID)
	line("setlocal EnableExtensions")
	line("")
	line(`set "ROOT=%s"`, cmdEscape(p.InstallRoot))
	line(`set "STAGING=%s"`, cmdEscape(p.StagingDir))
	line(`set "BACKUP=%s"`, cmdEscape(p.BackupDir))
	line(`set "TOUCHED=0"`)
	line(`set "FAILED=0"`)
	line("")
	line("timeout /t %d /nobreak >nul", p.delaySeconds())
	if p.PID > 0 {
		line(`set "WAITED=0"`)
		line(":waitparent")
		line(`tasklist /FI "PID eq %d" /NH 2>nul | find " %d " >nul || goto parentgone`, p.PID, p.PID)
		line("if %%WAITED%% GEQ %d goto parentgone", p.waitSeconds())
		line("timeout /t 1 /nobreak >nul")
		line("set /a WAITED+=1")
		line("goto waitparent")
		line(":parentgone")
	}
	if p.AppName != "" {
		line(`taskkill /F /IM %s >nul 2>&1`, cmdQuote(exeName(p.AppName)))
	}

	for i, f := range p.Files {
		line(`if "%%FAILED%%"=="0" (`)
		line(`  set "TOUCHED=%d"`, i+1)
		line(`  call :install %s || set "FAILED=1"`, cmdQuote(winPath(f)))
		line(")")
	}

	if len(p.Files) > 0 {
		line(`if "%%FAILED%%"=="0" goto launch`)
		line("echo bpm-update: handoff failed, restoring backup 1>&2")
		for i := len(p.Files) - 1; i >= 0; i-- {
			line(`if %%TOUCHED%% GEQ %d call :restore %s`, i+1, cmdQuote(winPath(p.Files[i])))
		}
	}

	line("")
	line(":launch")
	if len(p.Launcher) > 0 {
		words := make([]string, len(p.Launcher))
		for i, w := range p.Launcher {
			words[i] = cmdQuote(w)
		}
		line(`pushd "%%ROOT%%"`)
		line(`start "" %s`, strings.Join(words, " "))
		line("popd")
	}
	line(`rmdir /s /q "%%STAGING%%" >nul 2>&1`)
	line(`(goto) 2>nul & del "%%~f0" & exit /b %%FAILED%%`)
	line("")
	line(":install")
	line(`for %%%%I in ("%%ROOT%%\%%~1") do if not exist "%%%%~dpI" mkdir "%%%%~dpI"`)
	line(`del /f /q "%%ROOT%%\%%~1" >nul 2>&1`)
	line(`copy /y "%%STAGING%%\%%~1" "%%ROOT%%\%%~1" >nul || exit /b 1`)
	line(`fc /b "%%STAGING%%\%%~1" "%%ROOT%%\%%~1" >nul || exit /b 1`)
	line("exit /b 0")
	line("")
	line(":restore")
	line(`del /f /q "%%ROOT%%\%%~1" >nul 2>&1`)
	line(`if exist "%%BACKUP%%\%%~1" copy /y "%%BACKUP%%\%%~1" "%%ROOT%%\%%~1" >nul`)
	line("exit /b 0")

	return b.Bytes(), nil
}

// cmdEscape doubles percent signs so cmd.exe does not expand them.
func cmdEscape(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func cmdQuote(s string) string {
	return `"` + cmdEscape(s) + `"`
}

func winPath(rel string) string {
	return strings.ReplaceAll(rel, "/", `\`)
}

func exeName(app string) string {
	if strings.HasSuffix(strings.ToLower(app), ".exe") {
		return app
	}
	return app + ".exe"
}
