package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "ZOTERO_CONFIG"
	EnvDataDir = "ZOTERO_DATA_DIR"
	EnvAPIKey  = "ZOTERO_API_KEY"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ZOTERO_CONFIG: override config file path
	DataDir    string // ZOTERO_DATA_DIR: data directory override
	APIKey     string // ZOTERO_API_KEY: bypass the key file entirely
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		APIKey:     os.Getenv(EnvAPIKey),
	}
}
