package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maxsu/zotero/internal/libid"
)

// Library version queries.
const (
	sqlGetLibrary = `SELECT data_version, fulltext_version
		FROM libraries WHERE library = ?`

	sqlSetDataVersion = `INSERT INTO libraries
		(library, data_version, last_synced_at) VALUES (?, ?, ?)
		ON CONFLICT(library) DO UPDATE
		SET data_version = excluded.data_version,
		    last_synced_at = excluded.last_synced_at`

	sqlSetFullTextVersion = `INSERT INTO libraries
		(library, fulltext_version) VALUES (?, ?)
		ON CONFLICT(library) DO UPDATE
		SET fulltext_version = excluded.fulltext_version`

	sqlListLibraries = `SELECT library, data_version, fulltext_version,
		last_synced_at FROM libraries ORDER BY library`
)

func (s *Store) prepareLibraryStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.libraryStmts.get, sqlGetLibrary, "getLibrary"},
		{&s.libraryStmts.setData, sqlSetDataVersion, "setDataVersion"},
		{&s.libraryStmts.setFullText, sqlSetFullTextVersion, "setFullTextVersion"},
		{&s.libraryStmts.list, sqlListLibraries, "listLibraries"},
	})
}

// LibraryVersions returns the synced version markers for a library.
// Returns zero versions when the library has never been synced.
func (s *Store) LibraryVersions(ctx context.Context, lib libid.ID) (Versions, error) {
	var v Versions

	err := s.libraryStmts.get.QueryRowContext(ctx, lib.String()).Scan(&v.Data, &v.FullText)
	if errors.Is(err, sql.ErrNoRows) {
		return Versions{}, nil
	}

	if err != nil {
		return Versions{}, fmt.Errorf("get library versions %s: %w", lib, err)
	}

	return v, nil
}

// SetDataVersion records the library version the data phase completed at
// and stamps the last-synced time.
func (s *Store) SetDataVersion(ctx context.Context, lib libid.ID, version int64) error {
	s.logger.Debug("setting data version", "library", lib.String(), "version", version)

	_, err := s.libraryStmts.setData.ExecContext(ctx, lib.String(), version, NowNano())
	if err != nil {
		return fmt.Errorf("set data version %s: %w", lib, err)
	}

	return nil
}

// SetFullTextVersion records the library version the full-text phase
// completed at.
func (s *Store) SetFullTextVersion(ctx context.Context, lib libid.ID, version int64) error {
	s.logger.Debug("setting fulltext version", "library", lib.String(), "version", version)

	_, err := s.libraryStmts.setFullText.ExecContext(ctx, lib.String(), version)
	if err != nil {
		return fmt.Errorf("set fulltext version %s: %w", lib, err)
	}

	return nil
}

// Libraries returns the local library overview in stable order.
func (s *Store) Libraries(ctx context.Context) ([]LibraryStatus, error) {
	rows, err := s.libraryStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var statuses []LibraryStatus

	for rows.Next() {
		var status LibraryStatus

		err := rows.Scan(&status.Library, &status.DataVersion,
			&status.FullTextVersion, &status.LastSyncedAt)
		if err != nil {
			return nil, fmt.Errorf("scan library row: %w", err)
		}

		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library rows: %w", err)
	}

	return statuses, nil
}
