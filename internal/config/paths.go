package config

import (
	"os"
	"path/filepath"
)

// appDirName is the directory name used under the XDG base directories.
const appDirName = "cloudsync"

// DefaultConfigPath returns the config file location, honoring
// XDG_CONFIG_HOME and falling back to ~/.config.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), appDirName, "config.toml")
}

// DefaultDBPath returns the state database location, honoring XDG_DATA_HOME
// and falling back to ~/.local/share.
func DefaultDBPath() string {
	return filepath.Join(dataHome(), appDirName, "state.db")
}

// DefaultDocumentPath returns the local document location.
func DefaultDocumentPath() string {
	return filepath.Join(dataHome(), appDirName, "document.json")
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}

	return filepath.Join(homeDir(), ".config")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}

	return filepath.Join(homeDir(), ".local", "share")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Degenerate environment with no home; relative paths still work.
		return "."
	}

	return home
}
