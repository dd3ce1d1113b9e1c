// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package handoff

import (
	"os/exec"
	"syscall"
)

// detach starts the child in its own session so it survives our exit and
// any terminal hangup.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
