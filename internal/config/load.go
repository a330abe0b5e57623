package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Environment variable names for overrides. Environment wins over the config
// file; CLI flags win over environment.
const (
	envDBPath       = "CLOUDSYNC_DB_PATH"
	envDocumentPath = "CLOUDSYNC_DOCUMENT_PATH"
	envClientID     = "CLOUDSYNC_CLIENT_ID"
	envLogLevel     = "CLOUDSYNC_LOG_LEVEL"
)

// Load reads the configuration file at path (or the default location when
// path is empty) and applies environment overrides. A missing config file is
// not an error: defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err == nil {
		if _, decErr := toml.Decode(string(data), &cfg); decErr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, decErr)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides mutates cfg with any set environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envDBPath); v != "" {
		cfg.Storage.DBPath = v
	}

	if v := os.Getenv(envDocumentPath); v != "" {
		cfg.Storage.DocumentPath = v
	}

	if v := os.Getenv(envClientID); v != "" {
		cfg.Provider.ClientID = v
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Logging.LogLevel = v
	}
}

// validate rejects values that would only fail later with a worse message.
func validate(cfg *Config) error {
	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (want debug, info, warn, or error)", cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q (want auto, text, or json)", cfg.Logging.LogFormat)
	}

	return nil
}
