// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg locates the identity service's files under the XDG Base
// Directory layout.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "identity"

// ConfigFileName is the config file looked up in ConfigDir.
const ConfigFileName = "config.yaml"

// ConfigDir returns the config directory for the service. It checks
// XDG_CONFIG_HOME first and falls back to $HOME/.config. Empty when
// neither variable is set.
func ConfigDir(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	base := getenv("XDG_CONFIG_HOME")
	if base == "" {
		home := getenv("HOME")
		if home == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// FindConfig returns the path of ConfigFileName in ConfigDir when that
// file exists.
func FindConfig(getenv func(string) string) (string, bool) {
	dir := ConfigDir(getenv)
	if dir == "" {
		return "", false
	}
	path := filepath.Join(dir, ConfigFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
