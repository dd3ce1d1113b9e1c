// SPDX-License-Identifier: MPL-2.0

// Command bpm-update updates a bpm installation from its release registry.
package main

import cmd "github.com/bprojman/bpm-update/cmd/bpm-update"

func main() {
	cmd.Execute()
}
