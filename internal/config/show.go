package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied. Secrets are masked.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n")
	ew.printf("# Config file: %s\n\n", r.ConfigPath)

	renderPathsSection(ew, r)
	renderAPISection(ew, r)
	renderLibrariesSection(ew, &r.Config.Libraries)
	renderStorageSection(ew, &r.Config.Storage)
	renderSyncSection(ew, &r.Config.Sync)
	renderLoggingSection(ew, &r.Config.Logging)
	renderNetworkSection(ew, &r.Config.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderPathsSection(ew *errWriter, r *Resolved) {
	ew.printf("[paths]\n")
	ew.printf("  data_dir    = %q\n", r.DataDir)
	ew.printf("  key_file    = %q\n", r.KeyPath)
	ew.printf("  database    = %q\n", r.DBPath)
	ew.printf("  storage_dir = %q\n", r.StorageDir)
	ew.printf("  pid_file    = %q\n", r.PIDPath)
	ew.printf("\n")
}

func renderAPISection(ew *errWriter, r *Resolved) {
	ew.printf("[api]\n")
	ew.printf("  base_url      = %q\n", r.Config.API.BaseURL)
	ew.printf("  streaming_url = %q\n", r.Config.API.StreamingURL)

	if r.APIKey != "" {
		ew.printf("  api_key       = (from ZOTERO_API_KEY)\n")
	}

	ew.printf("\n")
}

func renderLibrariesSection(ew *errWriter, l *LibrariesConfig) {
	ew.printf("[libraries]\n")
	ew.printf("  skip = [%s]\n", joinQuoted(l.Skip))
	ew.printf("\n")
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("  mode                = %q\n", s.Mode)
	ew.printf("  download            = %q\n", s.Download)
	ew.printf("  max_attachment_size = %q\n", s.MaxAttachmentSize)

	if s.WebDAVURL != "" {
		ew.printf("  webdav_url          = %q\n", s.WebDAVURL)
		ew.printf("  webdav_username     = %q\n", s.WebDAVUsername)
	}

	if s.WebDAVPassword != "" {
		ew.printf("  webdav_password     = (set)\n")
	}

	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  auto_interval      = %q\n", s.AutoInterval)
	ew.printf("  websocket          = %t\n", s.Websocket)
	ew.printf("  parallel_libraries = %d\n", s.ParallelLibraries)
	ew.printf("  fulltext           = %t\n", s.Fulltext)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}

	ew.printf("  force_http_11   = %t\n", n.ForceHTTP11)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
