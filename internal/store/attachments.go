package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maxsu/zotero/internal/libid"
)

// Attachment queries.
const (
	sqlAttachmentColumns = `library, key, filename, content_type,
		remote_md5, remote_mtime, size, local_md5, synced_at, stale`

	sqlUpsertAttachment = `INSERT INTO attachments (` + sqlAttachmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, 0)
		ON CONFLICT(library, key) DO UPDATE SET
			filename     = excluded.filename,
			content_type = excluded.content_type,
			remote_md5   = excluded.remote_md5,
			remote_mtime = excluded.remote_mtime,
			size         = excluded.size`

	sqlGetAttachment = `SELECT ` + sqlAttachmentColumns +
		` FROM attachments WHERE library = ? AND key = ?`

	sqlListAttachments = `SELECT ` + sqlAttachmentColumns +
		` FROM attachments WHERE library = ? ORDER BY key`

	sqlMarkAttachmentSynced = `UPDATE attachments
		SET local_md5 = ?, synced_at = ?, stale = 0
		WHERE library = ? AND key = ?`

	sqlMarkAttachmentsStaleByKey = `UPDATE attachments
		SET stale = 1 WHERE key = ?`

	sqlDeleteAttachment = `DELETE FROM attachments
		WHERE library = ? AND key = ?`
)

func (s *Store) prepareAttachmentStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.attachmentStmts.upsert, sqlUpsertAttachment, "upsertAttachment"},
		{&s.attachmentStmts.get, sqlGetAttachment, "getAttachment"},
		{&s.attachmentStmts.list, sqlListAttachments, "listAttachments"},
		{&s.attachmentStmts.markSynced, sqlMarkAttachmentSynced, "markAttachmentSynced"},
		{&s.attachmentStmts.markStaleByKey, sqlMarkAttachmentsStaleByKey, "markAttachmentsStaleByKey"},
		{&s.attachmentStmts.delete, sqlDeleteAttachment, "deleteAttachment"},
	})
}

// scanAttachment scans a full attachment row into an Attachment.
func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	a := &Attachment{}

	var stale int

	err := row.Scan(
		&a.Library, &a.Key, &a.Filename, &a.ContentType,
		&a.RemoteMD5, &a.RemoteMtime, &a.Size,
		&a.LocalMD5, &a.SyncedAt, &stale,
	)
	if err != nil {
		return nil, err
	}

	a.Stale = stale == 1

	return a, nil
}

// UpsertAttachment inserts or updates the remote side of an attachment
// row. Local download state (local_md5, synced_at, stale) is preserved on
// update so an unchanged file is not re-downloaded.
func (s *Store) UpsertAttachment(ctx context.Context, a *Attachment) error {
	s.logger.Debug("upserting attachment",
		"library", a.Library.String(), "key", a.Key, "filename", a.Filename)

	_, err := s.attachmentStmts.upsert.ExecContext(ctx,
		a.Library.String(), a.Key, a.Filename, a.ContentType,
		a.RemoteMD5, a.RemoteMtime, a.Size,
	)
	if err != nil {
		return fmt.Errorf("upsert attachment %s/%s: %w", a.Library, a.Key, err)
	}

	return nil
}

// Attachment retrieves a single attachment row.
// Returns (nil, nil) if no row exists — callers use the nil attachment to
// distinguish "not an attachment" from "known attachment".
func (s *Store) Attachment(ctx context.Context, lib libid.ID, key string) (*Attachment, error) {
	a, err := scanAttachment(s.attachmentStmts.get.QueryRowContext(ctx, lib.String(), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil attachment means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get attachment %s/%s: %w", lib, key, err)
	}

	return a, nil
}

// Attachments returns all attachment rows for a library in key order.
func (s *Store) Attachments(ctx context.Context, lib libid.ID) ([]*Attachment, error) {
	rows, err := s.attachmentStmts.list.QueryContext(ctx, lib.String())
	if err != nil {
		return nil, fmt.Errorf("list attachments %s: %w", lib, err)
	}
	defer rows.Close()

	var attachments []*Attachment

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}

		attachments = append(attachments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment rows: %w", err)
	}

	return attachments, nil
}

// MarkAttachmentSynced records a completed download: the md5 of the bytes
// on disk and the time they landed.
func (s *Store) MarkAttachmentSynced(ctx context.Context, lib libid.ID, key, localMD5 string) error {
	s.logger.Debug("marking attachment synced",
		"library", lib.String(), "key", key)

	_, err := s.attachmentStmts.markSynced.ExecContext(ctx, localMD5, NowNano(), lib.String(), key)
	if err != nil {
		return fmt.Errorf("mark attachment synced %s/%s: %w", lib, key, err)
	}

	return nil
}

// DeleteAttachment removes an attachment row. Called when an updated item
// is no longer a stored-file attachment.
func (s *Store) DeleteAttachment(ctx context.Context, lib libid.ID, key string) error {
	_, err := s.attachmentStmts.delete.ExecContext(ctx, lib.String(), key)
	if err != nil {
		return fmt.Errorf("delete attachment %s/%s: %w", lib, key, err)
	}

	return nil
}

// MarkAttachmentsStaleByKey flags every attachment with the given item key
// for re-download. The storage monitor works from on-disk paths, which
// carry the item key but not the library.
func (s *Store) MarkAttachmentsStaleByKey(ctx context.Context, key string) error {
	s.logger.Debug("marking attachments stale", "key", key)

	_, err := s.attachmentStmts.markStaleByKey.ExecContext(ctx, key)
	if err != nil {
		return fmt.Errorf("mark attachments stale %s: %w", key, err)
	}

	return nil
}
