// Package config implements TOML configuration loading and platform path
// resolution for cloudsync. The override chain is defaults -> config file ->
// environment -> CLI flags; CLI flags are applied by the command layer.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Provider ProviderConfig `toml:"provider"`
	Logging  LoggingConfig  `toml:"logging"`
}

// StorageConfig locates the local state database and the synced document.
type StorageConfig struct {
	// DBPath is the SQLite database holding sync config and credentials.
	DBPath string `toml:"db_path"`
	// DocumentPath is the local copy of the synced document.
	DocumentPath string `toml:"document_path"`
}

// ProviderConfig holds settings for the cloud storage backend.
type ProviderConfig struct {
	// ClientID is the OAuth2 public client identifier used for sign-in.
	ClientID string `toml:"client_id"`
	// SyncFileName overrides the well-known remote file name.
	SyncFileName string `toml:"sync_file_name"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// LogFormat is one of auto, text, json. auto picks text on a TTY.
	LogFormat string `toml:"log_format"`
}

// Defaults returns the baseline configuration before file and environment
// overrides are applied.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{
			DBPath:       DefaultDBPath(),
			DocumentPath: DefaultDocumentPath(),
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "auto",
		},
	}
}
