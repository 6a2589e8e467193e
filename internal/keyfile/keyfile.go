// Package keyfile handles reading and writing API key files. Key files store
// a Zotero API key alongside cached account metadata (user ID, username,
// etc.). This is a leaf package imported by both config/ and api/ to avoid
// duplication and break the config→api import cycle.
package keyfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
)

// FilePerms restricts key files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the keys directory.
const DirPerms = 0o700

// File is the on-disk format for key files. Includes the API key and
// optional metadata (user ID, username) cached from /keys/current responses.
type File struct {
	Key  string            `json:"key"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Load reads a saved key file from disk. Returns the API key and any cached
// metadata. Returns ("", nil, nil) if the file does not exist.
func Load(path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, nil
	}

	if err != nil {
		return "", nil, fmt.Errorf("keyfile: reading %s: %w", path, err)
	}

	var kf File
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", nil, fmt.Errorf("keyfile: decoding %s: %w", path, err)
	}

	if kf.Key == "" {
		return "", nil, fmt.Errorf("keyfile: %s missing key field (re-login required)", path)
	}

	return kf.Key, kf.Meta, nil
}

// ReadMeta reads just the metadata from a key file without exposing the API
// key. Returns (nil, nil) if the file does not exist.
func ReadMeta(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("keyfile: reading %s: %w", path, err)
	}

	var parsed struct {
		Meta map[string]string `json:"meta"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("keyfile: decoding %s: %w", path, err)
	}

	return parsed.Meta, nil
}

// Save writes a key file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs key values.
func Save(path, key string, meta map[string]string) error {
	if key == "" {
		return fmt.Errorf("keyfile: refusing to save empty key")
	}

	kf := File{Key: key, Meta: meta}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("keyfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("keyfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("keyfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial key file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keyfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keyfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("keyfile: renaming: %w", err)
	}

	success = true

	return nil
}

// LoadAndMergeMeta reads the current key file, merges new metadata keys
// (new keys overwrite existing), and saves. Returns an error if the file
// does not exist or has no key.
func LoadAndMergeMeta(path string, meta map[string]string) error {
	key, existingMeta, err := Load(path)
	if err != nil {
		return fmt.Errorf("reading key for metadata update: %w", err)
	}

	if key == "" {
		return fmt.Errorf("no key file at %s", path)
	}

	if existingMeta == nil {
		existingMeta = make(map[string]string, len(meta))
	}

	maps.Copy(existingMeta, meta)

	return Save(path, key, existingMeta)
}

// Remove deletes the key file. Missing files are not an error, so logout
// is idempotent.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("keyfile: removing %s: %w", path, err)
	}

	return nil
}
