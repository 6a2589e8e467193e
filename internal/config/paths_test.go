package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG paths are Linux-only")
	}

	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/zotero", DefaultConfigDir())
}

func TestDefaultDataDir_XDGOverride(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG paths are Linux-only")
	}

	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/zotero", DefaultDataDir())
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.Equal(t, "config.toml", filepath.Base(path))
}

func TestDefaultKeyPath(t *testing.T) {
	path := DefaultKeyPath()
	assert.NotEmpty(t, path)
	assert.Equal(t, "key.json", filepath.Base(path))
}
