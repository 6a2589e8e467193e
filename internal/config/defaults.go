package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen so the client works
// against the public Zotero API with no config file at all.
const (
	defaultBaseURL           = "https://api.zotero.org"
	defaultStreamingURL      = "wss://stream.zotero.org"
	defaultAutoInterval      = "0"
	defaultParallelLibraries = 4
	defaultStorageMode       = StorageModeZotero
	defaultDownloadPolicy    = DownloadAtSync
	defaultMaxAttachmentSize = "0"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
)

// Storage backend modes.
const (
	StorageModeZotero = "zotero"
	StorageModeWebDAV = "webdav"
)

// Attachment download policies.
const (
	DownloadAtSync   = "at-sync-time"
	DownloadAsNeeded = "as-needed"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		API:       defaultAPIConfig(),
		Sync:      defaultSyncConfig(),
		Storage:   defaultStorageConfig(),
		Logging:   defaultLoggingConfig(),
		Network:   defaultNetworkConfig(),
		Libraries: LibrariesConfig{},
	}
}

func defaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:      defaultBaseURL,
		StreamingURL: defaultStreamingURL,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		AutoInterval:      defaultAutoInterval,
		Websocket:         true,
		ParallelLibraries: defaultParallelLibraries,
		Fulltext:          true,
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{
		Mode:              defaultStorageMode,
		Download:          defaultDownloadPolicy,
		MaxAttachmentSize: defaultMaxAttachmentSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
