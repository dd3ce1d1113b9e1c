// SPDX-License-Identifier: MPL-2.0

// Package config handles bpm-update configuration using Viper with CUE as the
// file format.
//
// Configuration is loaded from ~/.config/bpm-update/config.cue (or the XDG
// equivalent on Linux, ~/Library/Application Support/bpm-update/config.cue on
// macOS, %APPDATA%\bpm-update\config.cue on Windows), falling back to
// config.cue in the working directory. Files are validated against the
// embedded config_schema.cue. Environment variables prefixed with BPM_UPDATE_
// override file values; GITHUB_TOKEN is used when no registry token is set.
package config
