package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Named constants for pragma values (mnd linter).
const (
	walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit
	busyTimeoutMillis   = 5000
	dataDirPerms        = 0o700
)

// Store persists all synchronized library state in an embedded SQLite
// database with WAL mode.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	settingStmts    settingStatements
	libraryStmts    libraryStatements
	groupStmts      groupStatements
	objectStmts     objectStatements
	attachmentStmts attachmentStatements
	fulltextStmts   fulltextStatements
	tombstoneStmts  tombstoneStatements
}

// Statement groups to avoid a flat list of 20+ fields.
type settingStatements struct {
	get, set *sql.Stmt
}

type libraryStatements struct {
	get, setData, setFullText, list *sql.Stmt
}

type groupStatements struct {
	upsert, get, list *sql.Stmt
}

type objectStatements struct {
	upsert, delete, versions, count *sql.Stmt
}

type attachmentStatements struct {
	upsert, get, list, markSynced, markStaleByKey, delete *sql.Stmt
}

type fulltextStatements struct {
	upsert, get, delete *sql.Stmt
}

type tombstoneStatements struct {
	insert, list *sql.Stmt
}

// Open creates a Store, opening the database at dbPath, applying
// migrations, and preparing all repeated statements. Use ":memory:" for
// tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening library database", "path", dbPath)

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), dataDirPerms); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The pure-Go driver returns SQLITE_BUSY under concurrent writers;
	// a single connection serializes access. It also keeps a :memory:
	// database alive across calls.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("library database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis), "busy timeout"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- Settings queries ---

const (
	sqlGetSetting = `SELECT value FROM settings WHERE key = ?`

	sqlSetSetting = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// stmtDef maps a SQL string to the prepared statement pointer it should populate.
// Used by the generic prepare helper to eliminate repetitive error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.settingStmts.get, sqlGetSetting, "getSetting"},
		{&s.settingStmts.set, sqlSetSetting, "setSetting"},
	}); err != nil {
		return err
	}

	if err := s.prepareLibraryStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareGroupStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareObjectStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareAttachmentStmts(ctx); err != nil {
		return err
	}

	if err := s.prepareFullTextStmts(ctx); err != nil {
		return err
	}

	return s.prepareTombstoneStmts(ctx)
}

// --- Settings methods ---

// Setting retrieves a settings value by key.
// Returns empty string if the key doesn't exist.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string

	err := s.settingStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting persists a settings key-value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.logger.Debug("saving setting", "key", key)

	_, err := s.settingStmts.set.ExecContext(ctx, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	return nil
}

// SaveAccount stores the account identity behind the API key.
func (s *Store) SaveAccount(ctx context.Context, userID int64, username string) error {
	if err := s.SetSetting(ctx, SettingUserID, strconv.FormatInt(userID, 10)); err != nil {
		return err
	}

	return s.SetSetting(ctx, SettingUsername, username)
}

// Account returns the stored account identity. A zero user ID means no
// account has been saved yet.
func (s *Store) Account(ctx context.Context) (int64, string, error) {
	raw, err := s.Setting(ctx, SettingUserID)
	if err != nil {
		return 0, "", err
	}

	if raw == "" {
		return 0, "", nil
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("stored user ID %q: %w", raw, err)
	}

	username, err := s.Setting(ctx, SettingUsername)
	if err != nil {
		return 0, "", err
	}

	return userID, username, nil
}

// LastSync returns the timestamp of the last completed sync session in
// Unix nanoseconds. Zero means no session has completed yet.
func (s *Store) LastSync(ctx context.Context) (int64, error) {
	raw, err := s.Setting(ctx, SettingLastSync)
	if err != nil {
		return 0, err
	}

	if raw == "" {
		return 0, nil
	}

	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored last sync %q: %w", raw, err)
	}

	return at, nil
}

// TouchLastSync records the current time as the last completed sync.
func (s *Store) TouchLastSync(ctx context.Context) error {
	return s.SetSetting(ctx, SettingLastSync, strconv.FormatInt(NowNano(), 10))
}

// --- Maintenance methods ---

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing library database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *Store) closeStatements() error {
	stmts := []*sql.Stmt{
		s.settingStmts.get, s.settingStmts.set,
		s.libraryStmts.get, s.libraryStmts.setData,
		s.libraryStmts.setFullText, s.libraryStmts.list,
		s.groupStmts.upsert, s.groupStmts.get, s.groupStmts.list,
		s.objectStmts.upsert, s.objectStmts.delete,
		s.objectStmts.versions, s.objectStmts.count,
		s.attachmentStmts.upsert, s.attachmentStmts.get,
		s.attachmentStmts.list, s.attachmentStmts.markSynced,
		s.attachmentStmts.markStaleByKey, s.attachmentStmts.delete,
		s.fulltextStmts.upsert, s.fulltextStmts.get, s.fulltextStmts.delete,
		s.tombstoneStmts.insert, s.tombstoneStmts.list,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}
