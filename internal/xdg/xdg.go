// Package xdg provides XDG Base Directory Specification compliant paths
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "cofer"

// ConfigDir returns the XDG config directory for cofer
// Priority: XDG_CONFIG_HOME > ~/.config/cofer
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for cofer
// Priority: XDG_DATA_HOME > ~/.local/share/cofer
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// StateDir returns the XDG state directory for cofer
// Priority: XDG_STATE_HOME > ~/.local/state/cofer
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// RuntimeDir returns the XDG runtime directory for cofer
// Priority: XDG_RUNTIME_DIR > /tmp/cofer-$UID
func RuntimeDir() (string, error) {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, appName), nil
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appName, os.Getuid())), nil
}

// Home returns the cofer home directory holding repos/, worktrees/ and the
// state database. COFER_HOME wins over the XDG config directory.
func Home() (string, error) {
	if home := os.Getenv("COFER_HOME"); home != "" {
		return home, nil
	}
	return ConfigDir()
}

func resolve(envVar, fallback string) (string, error) {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, fallback, appName), nil
}
