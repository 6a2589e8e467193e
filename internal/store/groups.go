package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maxsu/zotero/internal/libid"
)

// Group queries.
const (
	sqlGroupColumns = `group_id, version, name, description, type, owner,
		editable, files_editable`

	sqlUpsertGroup = `INSERT INTO groups (` + sqlGroupColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			version        = excluded.version,
			name           = excluded.name,
			description    = excluded.description,
			type           = excluded.type,
			owner          = excluded.owner,
			editable       = excluded.editable,
			files_editable = excluded.files_editable,
			updated_at     = excluded.updated_at`

	sqlGetGroup = `SELECT ` + sqlGroupColumns +
		` FROM groups WHERE group_id = ?`

	sqlListGroups = `SELECT ` + sqlGroupColumns +
		` FROM groups ORDER BY group_id`
)

// Group erase statements, executed together in one transaction. The
// library column value is the canonical "group:N" identifier.
const (
	sqlEraseGroupRow         = `DELETE FROM groups WHERE group_id = ?`
	sqlEraseGroupObjects     = `DELETE FROM objects WHERE library = ?`
	sqlEraseGroupAttachments = `DELETE FROM attachments WHERE library = ?`
	sqlEraseGroupFullText    = `DELETE FROM fulltext WHERE library = ?`
	sqlEraseGroupTombstones  = `DELETE FROM tombstones WHERE library = ?`
	sqlEraseGroupLibrary     = `DELETE FROM libraries WHERE library = ?`
)

func (s *Store) prepareGroupStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.groupStmts.upsert, sqlUpsertGroup, "upsertGroup"},
		{&s.groupStmts.get, sqlGetGroup, "getGroup"},
		{&s.groupStmts.list, sqlListGroups, "listGroups"},
	})
}

// scanGroup scans a full group row into a GroupRecord.
func scanGroup(row interface{ Scan(...any) error }) (*GroupRecord, error) {
	g := &GroupRecord{}

	var editable, filesEditable int

	err := row.Scan(
		&g.ID, &g.Version, &g.Name, &g.Description, &g.Type, &g.Owner,
		&editable, &filesEditable,
	)
	if err != nil {
		return nil, err
	}

	g.Editable = editable == 1
	g.FilesEditable = filesEditable == 1

	return g, nil
}

// SaveGroup inserts or updates a group metadata row.
func (s *Store) SaveGroup(ctx context.Context, g *GroupRecord) error {
	s.logger.Debug("saving group", "group_id", g.ID, "version", g.Version, "name", g.Name)

	editable := 0
	if g.Editable {
		editable = 1
	}

	filesEditable := 0
	if g.FilesEditable {
		filesEditable = 1
	}

	_, err := s.groupStmts.upsert.ExecContext(ctx,
		g.ID, g.Version, g.Name, g.Description, g.Type, g.Owner,
		editable, filesEditable, NowNano(),
	)
	if err != nil {
		return fmt.Errorf("save group %d: %w", g.ID, err)
	}

	return nil
}

// Group retrieves a single group by ID.
// Returns (nil, nil) if no group exists — callers use the nil group to
// distinguish "never synced" from "known group".
func (s *Store) Group(ctx context.Context, groupID int64) (*GroupRecord, error) {
	g, err := scanGroup(s.groupStmts.get.QueryRowContext(ctx, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil group means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", groupID, err)
	}

	return g, nil
}

// Groups returns all locally known groups in ID order.
func (s *Store) Groups(ctx context.Context) ([]*GroupRecord, error) {
	rows, err := s.groupStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*GroupRecord

	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}

		groups = append(groups, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group rows: %w", err)
	}

	return groups, nil
}

// EraseGroup removes a group and everything synced from its library in a
// single transaction: metadata, objects, attachments, full-text content,
// tombstones, and version markers. Files on disk are the storage layer's
// concern.
func (s *Store) EraseGroup(ctx context.Context, groupID int64) error {
	s.logger.Info("erasing group library", "group_id", groupID)

	lib, err := libid.Group(groupID)
	if err != nil {
		return fmt.Errorf("erase group: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin erase group tx: %w", err)
	}

	steps := []struct {
		sql string
		arg any
	}{
		{sqlEraseGroupObjects, lib.String()},
		{sqlEraseGroupAttachments, lib.String()},
		{sqlEraseGroupFullText, lib.String()},
		{sqlEraseGroupTombstones, lib.String()},
		{sqlEraseGroupLibrary, lib.String()},
		{sqlEraseGroupRow, groupID},
	}

	for _, step := range steps {
		if _, execErr := tx.ExecContext(ctx, step.sql, step.arg); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("erase group %d: %w (rollback: %v)", groupID, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit erase group %d: %w", groupID, err)
	}

	s.logger.Info("group library erased", "group_id", groupID)

	return nil
}
