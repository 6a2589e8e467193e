package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/config"
	"github.com/maxsu/zotero/internal/keyfile"
	"github.com/maxsu/zotero/internal/store"
)

// Key state constants for status reporting.
const (
	keyStateMissing = "missing"
	keyStateSet     = "set"
)

// Key source labels.
const (
	keySourceEnv  = "environment"
	keySourceFile = "key file"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credentials, local database, and watch state",
		Long: `Display the local state of the sync client.

Shows whether an API key is configured, what the library database
holds, which storage backend serves attachment files, and whether a
sync --watch process is running. Reads local state only — makes no
network requests.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	ConfigFile string          `json:"config_file"`
	DataDir    string          `json:"data_dir"`
	Key        statusKey       `json:"key"`
	Database   *statusDatabase `json:"database,omitempty"`
	Storage    statusStorage   `json:"storage"`
	Watch      statusWatch     `json:"watch"`
}

type statusKey struct {
	State    string `json:"state"`
	Source   string `json:"source,omitempty"`
	Username string `json:"username,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

type statusDatabase struct {
	Path      string `json:"path"`
	Libraries int    `json:"libraries"`
	LastSync  string `json:"last_sync,omitempty"`
}

type statusStorage struct {
	Mode     string `json:"mode"`
	Download string `json:"download"`
	Dir      string `json:"dir"`
}

type statusWatch struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	out := statusOutput{
		ConfigFile: cc.Cfg.ConfigPath,
		DataDir:    cc.Cfg.DataDir,
		Key:        keyStatus(cc.Cfg),
		Storage: statusStorage{
			Mode:     cc.Cfg.Config.Storage.Mode,
			Download: cc.Cfg.Config.Storage.Download,
			Dir:      cc.Cfg.StorageDir,
		},
		Watch: watchStatus(cc.Cfg.PIDPath),
	}

	db, err := databaseStatus(cmd.Context(), cc)
	if err != nil {
		return err
	}

	out.Database = db

	if cc.Flags.JSON {
		return printStatusJSON(&out)
	}

	printStatusText(&out)

	return nil
}

// keyStatus summarizes the credential state without a network call.
func keyStatus(cfg *config.Resolved) statusKey {
	if cfg.APIKey != "" {
		return statusKey{State: keyStateSet, Source: keySourceEnv}
	}

	key, meta, err := keyfile.Load(cfg.KeyPath)
	if err != nil || key == "" {
		return statusKey{State: keyStateMissing}
	}

	return statusKey{
		State:    keyStateSet,
		Source:   keySourceFile,
		Username: meta["username"],
		UserID:   meta["user_id"],
	}
}

// databaseStatus reads the library overview from an existing database.
// A missing database is normal before the first sync — and Open would
// create one as a side effect, so stat first.
func databaseStatus(ctx context.Context, cc *CLIContext) (*statusDatabase, error) {
	if _, err := os.Stat(cc.Cfg.DBPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil //nolint:nilnil // sentinel for "no database yet"
		}

		return nil, fmt.Errorf("checking library database: %w", err)
	}

	st, err := store.Open(cc.Cfg.DBPath, cc.Logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	libs, err := st.Libraries(ctx)
	if err != nil {
		return nil, err
	}

	lastSync, err := st.LastSync(ctx)
	if err != nil {
		return nil, err
	}

	db := &statusDatabase{Path: cc.Cfg.DBPath, Libraries: len(libs)}
	if lastSync > 0 {
		db.LastSync = time.Unix(0, lastSync).Format(time.RFC3339)
	}

	return db, nil
}

// watchStatus probes the PID file for a live watch process. Stale PID
// files read as not running; `sync --watch` reclaims them via flock.
func watchStatus(pidPath string) statusWatch {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return statusWatch{}
	}

	if !processAlive(pid) {
		return statusWatch{}
	}

	return statusWatch{Running: true, PID: pid}
}

func printStatusJSON(out *statusOutput) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(out *statusOutput) {
	key := out.Key.State
	if out.Key.Source != "" {
		key = fmt.Sprintf("%s (%s)", out.Key.State, out.Key.Source)
	}

	if out.Key.Username != "" {
		key += fmt.Sprintf(", %s", out.Key.Username)
	}

	fmt.Printf("Config:   %s\n", out.ConfigFile)
	fmt.Printf("Data dir: %s\n", out.DataDir)
	fmt.Printf("API key:  %s\n", key)
	fmt.Printf("Storage:  %s, download %s\n", out.Storage.Mode, out.Storage.Download)

	if out.Database == nil {
		fmt.Printf("Database: none — run 'zotero sync' to create one\n")
	} else {
		last := out.Database.LastSync
		if last == "" {
			last = "never"
		} else if t, err := time.Parse(time.RFC3339, last); err == nil {
			last = formatTime(t)
		}

		fmt.Printf("Database: %s, last sync %s\n",
			pluralize(out.Database.Libraries, "library", "libraries"), last)
	}

	if out.Watch.Running {
		fmt.Printf("Watch:    running (PID %d)\n", out.Watch.PID)
	} else {
		fmt.Printf("Watch:    not running\n")
	}
}
