package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// librariesSection is the config section holding the skip list.
const librariesSection = "libraries"

// skipKey is the key inside [libraries] that lists excluded libraries.
const skipKey = "skip"

// configTemplate is the default config file content written on first use.
// All settings are present as commented-out defaults so users can discover
// every option without reading docs. This template is written once and
// never regenerated — user modifications are preserved by subsequent
// text-level edits.
const configTemplate = `# zotero configuration
# Docs: https://github.com/maxsu/zotero

# Data directory for the library database and attachment storage
# (default: platform standard location)
# data_dir = ""

[api]
# API endpoint (change only for self-hosted dataserver deployments)
# base_url = "https://api.zotero.org"

# Streaming API endpoint for sync --watch
# streaming_url = "wss://stream.zotero.org"

# API key file path (default: platform standard location)
# key_file = ""

[sync]
# Recurring sync interval for sync --watch ("0" disables the timer)
# auto_interval = "0"

# Trigger syncs from streaming API change notices
# websocket = true

# Libraries synced concurrently per session
# parallel_libraries = 4

# Fetch full-text content after item data
# fulltext = true

[libraries]
# Libraries excluded from sync ("user", "publications", "group:N").
# Managed by 'skip add' and 'skip remove'.
# skip = []

[storage]
# Attachment file backend: zotero or webdav
# mode = "zotero"

# Download policy: at-sync-time or as-needed
# download = "at-sync-time"

# Skip attachments larger than this ("0" means no limit)
# max_attachment_size = "0"

# WebDAV server settings (mode = "webdav" only)
# webdav_url = ""
# webdav_username = ""
# webdav_password = ""

[logging]
# Verbosity: debug, info, warn, error
# log_level = "info"

# Output format: auto, text, json
# log_format = "auto"

# Log file path (empty logs to stderr)
# log_file = ""

[network]
# connect_timeout = "10s"
# data_timeout = "60s"
# user_agent = ""
# force_http_11 = false
`

// EnsureConfig creates the config file from the default template if it does
// not exist yet. An existing file is left untouched. The write is atomic
// (temp file + rename) and parent directories are created as needed.
func EnsureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking config file: %w", err)
	}

	slog.Info("creating config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// WriteSkipList rewrites the skip key inside the [libraries] section while
// preserving everything else in the file, comments included. A missing file
// is created from the template first, and a missing [libraries] section is
// appended at the end. The write is atomic to avoid partial writes on crash.
func WriteSkipList(path string, skip []string) error {
	slog.Info("writing library skip list", "path", path, "skip", skip)

	if err := EnsureConfig(path); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	newLine := fmt.Sprintf("%s = %s", skipKey, formatTOMLStringArray(skip))

	headerLine, sectionStart := findSectionHeader(lines, librariesSection)
	if sectionStart < 0 {
		lines = appendSection(lines, librariesSection, newLine)
	} else {
		lines = setKeyInSection(lines, headerLine, sectionStart, skipKey, newLine)
	}

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// appendSection adds a new section with a single key line at the end of the
// file. The blank line before the header visually separates it from the
// preceding content.
func appendSection(lines []string, section, keyLine string) []string {
	// Drop trailing blank lines so the section lands directly after the
	// last real content.
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}

	out := append(lines[:end:end], "", "["+section+"]", keyLine, "")

	return out
}

// findSectionHeader locates the line index of a section header like
// "[libraries]". Returns the header line index and the section content
// start (header + 1). Returns -1 for both if the section is not found.
func findSectionHeader(lines []string, section string) (int, int) {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i, i + 1
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. This excludes blank lines and comments that precede the
// next section header (those belong to the next section's preamble, not
// this section's content).
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "[") {
			nextHeader = i

			break
		}
	}

	// Walk backwards from the next section header to skip blank lines and
	// comment lines that belong to the next section's preamble.
	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header. A hand-formatted multi-line array value is
// collapsed into the single replacement line.
func setKeyInSection(lines []string, headerLine, sectionStart int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	// Search for existing key within the section.
	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, keyPrefix) && !strings.HasPrefix(trimmed, keyPrefixEq) {
			continue
		}

		last := i
		if strings.Contains(lines[i], "[") && !strings.Contains(lines[i], "]") {
			for last < sectionEnd-1 && !strings.Contains(lines[last], "]") {
				last++
			}
		}

		lines[i] = newLine

		return append(lines[:i+1], lines[last+1:]...)
	}

	// Key not found — insert after header.
	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLStringArray formats a string slice as a single-line TOML array
// of quoted strings.
func formatTOMLStringArray(values []string) string {
	if len(values) == 0 {
		return "[]"
	}

	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}

	return "[" + strings.Join(quoted, ", ") + "]"
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed. Files are created with configFilePermissions (0644).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
