//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "wingman")
	}
	return "wingman-data"
}

func tokenHint() string {
	return ", macOS Keychain (service: wingman, account: platform_token)"
}
