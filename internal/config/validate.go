package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/maxsu/zotero/internal/libid"
)

// Validation range constants.
const (
	minParallelLibraries = 1
	maxParallelLibraries = 16
	minAutoInterval      = 1 * time.Minute
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLibraries(&cfg.Libraries)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints on the fully resolved settings.
// Unlike Validate(), which checks raw config file values, this runs after
// the four-layer override chain (defaults -> file -> env -> CLI) has been
// applied. It catches constraints that only make sense on the final
// merged result.
func ValidateResolved(r *Resolved) error {
	var errs []error

	// Paths must be absolute after tilde expansion and env/CLI overrides.
	// Relative paths would resolve differently depending on cwd.
	if r.DataDir == "" || !filepath.IsAbs(r.DataDir) {
		errs = append(errs, fmt.Errorf("data_dir: must be absolute after expansion, got %q", r.DataDir))
	}

	if r.KeyPath == "" || !filepath.IsAbs(r.KeyPath) {
		errs = append(errs, fmt.Errorf("api.key_file: must be absolute after expansion, got %q", r.KeyPath))
	}

	return errors.Join(errs...)
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	errs = append(errs, validateURL("api.base_url", a.BaseURL, "http", "https")...)
	errs = append(errs, validateURL("api.streaming_url", a.StreamingURL, "ws", "wss")...)

	return errs
}

// validateURL checks that a URL parses and uses one of the given schemes.
func validateURL(field, value string, schemes ...string) []error {
	if value == "" {
		return []error{fmt.Errorf("%s: must not be empty", field)}
	}

	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return []error{fmt.Errorf("%s: URL %q has no host", field, value)}
			}

			return nil
		}
	}

	return []error{fmt.Errorf("%s: URL %q must use scheme %v", field, value, schemes)}
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationOrZero("sync.auto_interval", s.AutoInterval, minAutoInterval)...)

	if s.ParallelLibraries < minParallelLibraries || s.ParallelLibraries > maxParallelLibraries {
		errs = append(errs, fmt.Errorf("sync.parallel_libraries: must be between %d and %d, got %d",
			minParallelLibraries, maxParallelLibraries, s.ParallelLibraries))
	}

	return errs
}

func validateLibraries(l *LibrariesConfig) []error {
	var errs []error

	for _, raw := range l.Skip {
		if _, err := libid.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("libraries.skip: %w", err))
		}
	}

	return errs
}

var validStorageModes = map[string]bool{
	StorageModeZotero: true,
	StorageModeWebDAV: true,
}

var validDownloadPolicies = map[string]bool{
	DownloadAtSync:   true,
	DownloadAsNeeded: true,
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if !validStorageModes[s.Mode] {
		errs = append(errs, fmt.Errorf("storage.mode: must be %q or %q, got %q",
			StorageModeZotero, StorageModeWebDAV, s.Mode))
	}

	if !validDownloadPolicies[s.Download] {
		errs = append(errs, fmt.Errorf("storage.download: must be %q or %q, got %q",
			DownloadAtSync, DownloadAsNeeded, s.Download))
	}

	if s.MaxAttachmentSize != "" && s.MaxAttachmentSize != "0" {
		if _, err := ParseSize(s.MaxAttachmentSize); err != nil {
			errs = append(errs, fmt.Errorf("storage.max_attachment_size: %w", err))
		}
	}

	// WebDAV needs a server URL; the Zotero storage backend is implied by
	// the API base URL and needs nothing extra.
	if s.Mode == StorageModeWebDAV {
		errs = append(errs, validateURL("storage.webdav_url", s.WebDAVURL, "http", "https")...)
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf(
			"logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf(
			"logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

// validateDurationMin checks that a duration string is valid and meets a
// minimum.
func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

// validateDurationOrZero is like validateDurationMin, but "0" is accepted
// as the disabled sentinel.
func validateDurationOrZero(field, value string, minimum time.Duration) []error {
	if value == "" || value == "0" {
		return nil
	}

	return validateDurationMin(field, value, minimum)
}
