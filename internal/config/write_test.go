package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- EnsureConfig tests ---

func TestEnsureConfig_CreatesFileWithTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := EnsureConfig(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	// Template header present
	assert.Contains(t, content, "# zotero configuration")
	assert.Contains(t, content, `# log_level = "info"`)
	assert.Contains(t, content, `# streaming_url = "wss://stream.zotero.org"`)
	assert.Contains(t, content, "[libraries]")
}

func TestEnsureConfig_TemplateLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := EnsureConfig(path)
	require.NoError(t, err)

	// Every key in the template is commented out, so loading it must
	// produce pure defaults.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestEnsureConfig_LeavesExistingFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	custom := "# my config\n[sync]\nfulltext = false\n"
	require.NoError(t, os.WriteFile(path, []byte(custom), configFilePermissions))

	err := EnsureConfig(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, custom, string(data))
}

func TestEnsureConfig_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "deep", "config.toml")

	err := EnsureConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestEnsureConfig_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := EnsureConfig(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
}

// --- WriteSkipList tests ---

func TestWriteSkipList_CreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := WriteSkipList(path, []string{"group:303"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:303"}, cfg.Libraries.Skip)
}

func TestWriteSkipList_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := WriteSkipList(path, []string{"publications", "group:42"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"publications", "group:42"}, cfg.Libraries.Skip)
}

func TestWriteSkipList_UpdatesExistingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := WriteSkipList(path, []string{"group:1"})
	require.NoError(t, err)

	err = WriteSkipList(path, []string{"group:1", "group:2"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:1", "group:2"}, cfg.Libraries.Skip)

	// Only one skip line remains.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(string(data), "\nskip = "))
}

func TestWriteSkipList_EmptyListWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	err := WriteSkipList(path, []string{"group:303"})
	require.NoError(t, err)

	err = WriteSkipList(path, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "skip = []")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Libraries.Skip)
}

func TestWriteSkipList_AppendsMissingSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	// Hand-written config without a [libraries] section.
	content := "# my config\n\n[sync]\nfulltext = false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), configFilePermissions))

	err := WriteSkipList(path, []string{"user"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, cfg.Libraries.Skip)
	assert.False(t, cfg.Sync.Fulltext)
}

func TestWriteSkipList_PreservesComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `# My custom header

[sync]
# slow connection here
parallel_libraries = 2

# Libraries I never want
[libraries]
skip = ["group:99"]

[logging]
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), configFilePermissions))

	err := WriteSkipList(path, []string{"group:99", "publications"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	result := string(data)

	assert.Contains(t, result, "# My custom header")
	assert.Contains(t, result, "# slow connection here")
	assert.Contains(t, result, "# Libraries I never want")
	assert.Contains(t, result, `skip = ["group:99", "publications"]`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sync.ParallelLibraries)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestWriteSkipList_DoesNotTouchOtherSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `[libraries]
skip = ["group:1"]

[storage]
mode = "webdav"
webdav_url = "https://dav.example.com/zotero"
`
	require.NoError(t, os.WriteFile(path, []byte(content), configFilePermissions))

	err := WriteSkipList(path, []string{"group:2"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:2"}, cfg.Libraries.Skip)
	assert.Equal(t, StorageModeWebDAV, cfg.Storage.Mode)
	assert.Equal(t, "https://dav.example.com/zotero", cfg.Storage.WebDAVURL)
}

func TestWriteSkipList_CollapsesMultilineArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `[libraries]
skip = [
  "group:1",
  "group:2",
]

[logging]
log_level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), configFilePermissions))

	err := WriteSkipList(path, []string{"group:3"})
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:3"}, cfg.Libraries.Skip)
	assert.Equal(t, "warn", cfg.Logging.LogLevel)
}

// countOccurrences counts non-overlapping occurrences of sub in s.
func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}

	return count
}

// --- appendSection tests ---

func TestAppendSection_TrimsTrailingBlanks(t *testing.T) {
	lines := []string{"[sync]", `auto_interval = "5m"`, "", ""}
	out := appendSection(lines, "libraries", `skip = ["user"]`)
	assert.Equal(t, []string{
		"[sync]", `auto_interval = "5m"`, "", "[libraries]", `skip = ["user"]`, "",
	}, out)
}

// --- findSectionHeader tests ---

func TestFindSectionHeader_Found(t *testing.T) {
	lines := []string{
		"# comment",
		"[libraries]",
		`skip = []`,
	}
	headerLine, sectionStart := findSectionHeader(lines, "libraries")
	assert.Equal(t, 1, headerLine)
	assert.Equal(t, 2, sectionStart)
}

func TestFindSectionHeader_NotFound(t *testing.T) {
	lines := []string{"# comment", `data_dir = "~/zotero"`}
	headerLine, sectionStart := findSectionHeader(lines, "libraries")
	assert.Equal(t, -1, headerLine)
	assert.Equal(t, -1, sectionStart)
}

func TestFindSectionHeader_IgnoresCommentedHeader(t *testing.T) {
	lines := []string{"# [libraries]", "[sync]"}
	headerLine, _ := findSectionHeader(lines, "libraries")
	assert.Equal(t, -1, headerLine)
}

// --- findSectionEnd tests ---

func TestFindSectionEnd_NextSection(t *testing.T) {
	lines := []string{
		"[libraries]",
		`skip = []`,
		"",
		"[storage]",
		`mode = "zotero"`,
	}
	// Section content ends at line 2 (the blank line before the next header
	// belongs to the next section's preamble).
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

func TestFindSectionEnd_NextSectionWithComment(t *testing.T) {
	lines := []string{
		"[libraries]",
		`skip = []`,
		"",
		"# attachment storage",
		"[storage]",
		`mode = "zotero"`,
	}
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

func TestFindSectionEnd_EOF(t *testing.T) {
	lines := []string{
		"[libraries]",
		`skip = []`,
	}
	end := findSectionEnd(lines, 1)
	assert.Equal(t, 2, end)
}

// --- formatTOMLStringArray tests ---

func TestFormatTOMLStringArray(t *testing.T) {
	assert.Equal(t, "[]", formatTOMLStringArray(nil))
	assert.Equal(t, `["user"]`, formatTOMLStringArray([]string{"user"}))
	assert.Equal(t, `["user", "group:42"]`, formatTOMLStringArray([]string{"user", "group:42"}))
}

// --- atomicWriteFile tests ---

func TestAtomicWriteFile_WritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAtomicWriteFile_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAtomicWriteFile_SetsPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	err := atomicWriteFile(path, []byte("hello"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
}

func TestAtomicWriteFile_InvalidDirectory(t *testing.T) {
	// Use a path under a file (not a directory) to trigger MkdirAll failure.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	err := os.WriteFile(blocker, []byte("I'm a file"), configFilePermissions)
	require.NoError(t, err)

	path := filepath.Join(blocker, "sub", "test.txt")
	err = atomicWriteFile(path, []byte("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating config directory")
}
