// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the zotero CLI. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags) and resolves the data directory layout (database, key file,
// attachment storage) used by the rest of the program.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Sections group related settings; every key has a working default so a
// missing config file is never an error.
type Config struct {
	DataDir   string          `toml:"data_dir"`
	API       APIConfig       `toml:"api"`
	Sync      SyncConfig      `toml:"sync"`
	Libraries LibrariesConfig `toml:"libraries"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// APIConfig controls which Zotero API endpoints the client talks to and
// where the API key file lives. The URLs are overridable for test servers
// and self-hosted dataserver deployments.
type APIConfig struct {
	BaseURL      string `toml:"base_url"`
	StreamingURL string `toml:"streaming_url"`
	KeyFile      string `toml:"key_file"`
}

// SyncConfig controls session behavior: automatic sync cadence, streaming
// triggers, per-library parallelism, and whether full-text content is
// fetched after item data.
type SyncConfig struct {
	AutoInterval      string `toml:"auto_interval"`
	Websocket         bool   `toml:"websocket"`
	ParallelLibraries int    `toml:"parallel_libraries"`
	Fulltext          bool   `toml:"fulltext"`
}

// LibrariesConfig controls which granted libraries take part in sync.
// Skip entries use canonical library IDs ("user", "publications",
// "group:N") and are validated at load time.
type LibrariesConfig struct {
	Skip []string `toml:"skip"`
}

// StorageConfig controls attachment file transfer: which backend serves
// files, whether files download during sync or on demand, and an optional
// size cap for skipping oversized attachments.
type StorageConfig struct {
	Mode              string `toml:"mode"`
	Download          string `toml:"download"`
	MaxAttachmentSize string `toml:"max_attachment_size"`
	WebDAVURL         string `toml:"webdav_url"`
	WebDAVUsername    string `toml:"webdav_username"`
	WebDAVPassword    string `toml:"webdav_password"`
}

// LoggingConfig controls log output behavior: level, format, and optional
// log file destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// NetworkConfig controls HTTP client behavior: timeouts, user agent, and
// protocol version. force_http_11 is useful behind corporate proxies that
// don't support HTTP/2.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	ForceHTTP11    bool   `toml:"force_http_11"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	LogLevel   string  // --log-level flag (empty = use config)
}
