package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Resolved is the final configuration after the four-layer override chain,
// with every path expanded to its absolute on-disk form. Commands consume
// Resolved, never raw Config, so path resolution happens in exactly one
// place.
type Resolved struct {
	Config

	ConfigPath string // config file the settings came from (may not exist)
	DataDir    string // expanded data directory
	KeyPath    string // expanded API key file location
	DBPath     string // library database inside DataDir
	StorageDir string // attachment storage root inside DataDir
	PIDPath    string // watch-mode pidfile inside DataDir
	APIKey     string // non-empty only when ZOTERO_API_KEY bypasses the key file
}

// resolvePaths fills in the derived path fields from the merged settings.
// The data directory defaults to the platform data dir, the key file to
// the platform config dir.
func (r *Resolved) resolvePaths() {
	dataDir := r.Config.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	r.DataDir = expandTilde(dataDir)
	r.DBPath = filepath.Join(r.DataDir, dbFileName)
	r.StorageDir = filepath.Join(r.DataDir, storageDirName)
	r.PIDPath = filepath.Join(r.DataDir, pidFileName)

	keyPath := r.Config.API.KeyFile
	if keyPath == "" {
		keyPath = DefaultKeyPath()
	}

	r.KeyPath = expandTilde(keyPath)
}

// expandTilde replaces a leading "~/" with the user's home directory.
// Paths without the prefix pass through unchanged, as does everything
// when the home directory cannot be determined.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
