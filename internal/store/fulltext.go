package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maxsu/zotero/internal/libid"
)

// Full-text queries.
const (
	sqlUpsertFullText = `INSERT INTO fulltext
		(library, key, version, content, indexed_chars, total_chars,
		 indexed_pages, total_pages, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(library, key) DO UPDATE SET
			version       = excluded.version,
			content       = excluded.content,
			indexed_chars = excluded.indexed_chars,
			total_chars   = excluded.total_chars,
			indexed_pages = excluded.indexed_pages,
			total_pages   = excluded.total_pages,
			updated_at    = excluded.updated_at`

	sqlGetFullText = `SELECT library, key, version, content, indexed_chars,
		total_chars, indexed_pages, total_pages
		FROM fulltext WHERE library = ? AND key = ?`

	sqlDeleteFullText = `DELETE FROM fulltext
		WHERE library = ? AND key = ?`
)

func (s *Store) prepareFullTextStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.fulltextStmts.upsert, sqlUpsertFullText, "upsertFullText"},
		{&s.fulltextStmts.get, sqlGetFullText, "getFullText"},
		{&s.fulltextStmts.delete, sqlDeleteFullText, "deleteFullText"},
	})
}

// SaveFullText inserts or updates the extracted text of one attachment.
func (s *Store) SaveFullText(ctx context.Context, r *FullTextRecord) error {
	s.logger.Debug("saving fulltext",
		"library", r.Library.String(), "key", r.Key, "version", r.Version)

	_, err := s.fulltextStmts.upsert.ExecContext(ctx,
		r.Library.String(), r.Key, r.Version, r.Content,
		r.IndexedChars, r.TotalChars, r.IndexedPages, r.TotalPages,
		NowNano(),
	)
	if err != nil {
		return fmt.Errorf("save fulltext %s/%s: %w", r.Library, r.Key, err)
	}

	return nil
}

// DeleteFullText removes the stored text of one attachment. Called when
// the server reports the key as no longer indexed.
func (s *Store) DeleteFullText(ctx context.Context, lib libid.ID, key string) error {
	_, err := s.fulltextStmts.delete.ExecContext(ctx, lib.String(), key)
	if err != nil {
		return fmt.Errorf("delete fulltext %s/%s: %w", lib, key, err)
	}

	return nil
}

// FullText retrieves the stored text content of one attachment.
// Returns (nil, nil) if nothing is stored for the key.
func (s *Store) FullText(ctx context.Context, lib libid.ID, key string) (*FullTextRecord, error) {
	r := &FullTextRecord{}

	err := s.fulltextStmts.get.QueryRowContext(ctx, lib.String(), key).Scan(
		&r.Library, &r.Key, &r.Version, &r.Content,
		&r.IndexedChars, &r.TotalChars, &r.IndexedPages, &r.TotalPages,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil record means "not indexed"
	}

	if err != nil {
		return nil, fmt.Errorf("get fulltext %s/%s: %w", lib, key, err)
	}

	return r, nil
}
