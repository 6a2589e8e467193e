package store

import (
	"context"
	"fmt"

	"github.com/maxsu/zotero/internal/libid"
)

// Object queries.
const (
	sqlUpsertObject = `INSERT INTO objects
		(library, kind, key, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(library, kind, key) DO UPDATE SET
			version    = excluded.version,
			data       = excluded.data,
			updated_at = excluded.updated_at`

	sqlDeleteObject = `DELETE FROM objects
		WHERE library = ? AND kind = ? AND key = ?`

	sqlObjectVersions = `SELECT key, version FROM objects
		WHERE library = ? AND kind = ?`

	sqlCountObjects = `SELECT COUNT(*) FROM objects
		WHERE library = ? AND kind = ?`
)

// Tombstone queries.
const (
	sqlInsertTombstone = `INSERT INTO tombstones
		(library, kind, key, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(library, kind, key) DO UPDATE
		SET deleted_at = excluded.deleted_at`

	sqlListTombstones = `SELECT library, kind, key, deleted_at
		FROM tombstones WHERE library = ? ORDER BY kind, key`

	sqlPurgeTombstones = `DELETE FROM tombstones WHERE deleted_at < ?`
)

func (s *Store) prepareObjectStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.objectStmts.upsert, sqlUpsertObject, "upsertObject"},
		{&s.objectStmts.delete, sqlDeleteObject, "deleteObject"},
		{&s.objectStmts.versions, sqlObjectVersions, "objectVersions"},
		{&s.objectStmts.count, sqlCountObjects, "countObjects"},
	})
}

func (s *Store) prepareTombstoneStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.tombstoneStmts.insert, sqlInsertTombstone, "insertTombstone"},
		{&s.tombstoneStmts.list, sqlListTombstones, "listTombstones"},
	})
}

// UpsertObjects inserts or updates a batch of objects in a single
// transaction. Significantly faster than individual upserts when the data
// phase lands hundreds of changed objects.
func (s *Store) UpsertObjects(ctx context.Context, lib libid.ID, kind string, objects []Object) error {
	if len(objects) == 0 {
		return nil
	}

	s.logger.Debug("batch upserting objects",
		"library", lib.String(), "kind", kind, "count", len(objects))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin object upsert tx: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.objectStmts.upsert)
	now := NowNano()

	for i := range objects {
		o := &objects[i]

		_, execErr := stmt.ExecContext(ctx,
			lib.String(), kind, o.Key, o.Version, string(o.Data), now)
		if execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("upsert object %d (%s/%s): %w (rollback: %v)",
				i, kind, o.Key, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit object upsert: %w", err)
	}

	return nil
}

// DeleteObjects removes a batch of objects and records tombstones in a
// single transaction. Deleting an item also removes its attachment and
// full-text rows.
func (s *Store) DeleteObjects(ctx context.Context, lib libid.ID, kind string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	s.logger.Debug("deleting objects",
		"library", lib.String(), "kind", kind, "count", len(keys))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin object delete tx: %w", err)
	}

	deleteStmt := tx.StmtContext(ctx, s.objectStmts.delete)
	tombstoneStmt := tx.StmtContext(ctx, s.tombstoneStmts.insert)
	now := NowNano()

	for _, key := range keys {
		if _, execErr := deleteStmt.ExecContext(ctx, lib.String(), kind, key); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("delete object %s/%s: %w (rollback: %v)",
				kind, key, execErr, rollbackErr)
		}

		if _, execErr := tombstoneStmt.ExecContext(ctx, lib.String(), kind, key, now); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("record tombstone %s/%s: %w (rollback: %v)",
				kind, key, execErr, rollbackErr)
		}

		if kind != "item" {
			continue
		}

		if _, execErr := tx.ExecContext(ctx, sqlDeleteAttachment, lib.String(), key); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("delete attachment row %s: %w (rollback: %v)",
				key, execErr, rollbackErr)
		}

		if _, execErr := tx.ExecContext(ctx, sqlDeleteFullText, lib.String(), key); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("delete fulltext row %s: %w (rollback: %v)",
				key, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit object delete: %w", err)
	}

	return nil
}

// LocalObjectVersions returns the key -> version map of stored objects of
// one kind, the local side of the changed-object diff.
func (s *Store) LocalObjectVersions(ctx context.Context, lib libid.ID, kind string) (map[string]int64, error) {
	rows, err := s.objectStmts.versions.QueryContext(ctx, lib.String(), kind)
	if err != nil {
		return nil, fmt.Errorf("local object versions %s/%s: %w", lib, kind, err)
	}
	defer rows.Close()

	versions := make(map[string]int64)

	for rows.Next() {
		var (
			key     string
			version int64
		)

		if err := rows.Scan(&key, &version); err != nil {
			return nil, fmt.Errorf("scan object version row: %w", err)
		}

		versions[key] = version
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate object version rows: %w", err)
	}

	return versions, nil
}

// CountObjects returns the number of stored objects of one kind.
func (s *Store) CountObjects(ctx context.Context, lib libid.ID, kind string) (int64, error) {
	var count int64

	err := s.objectStmts.count.QueryRowContext(ctx, lib.String(), kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count objects %s/%s: %w", lib, kind, err)
	}

	return count, nil
}

// PurgeTombstones deletes tombstones recorded before the cutoff,
// returning the number removed. Runs once per sync session.
func (s *Store) PurgeTombstones(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPurgeTombstones, before)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tombstones count: %w", err)
	}

	if n > 0 {
		s.logger.Debug("purged tombstones", "count", n)
	}

	return n, nil
}

// Tombstones returns the recorded deletions for a library.
func (s *Store) Tombstones(ctx context.Context, lib libid.ID) ([]Tombstone, error) {
	rows, err := s.tombstoneStmts.list.QueryContext(ctx, lib.String())
	if err != nil {
		return nil, fmt.Errorf("list tombstones %s: %w", lib, err)
	}
	defer rows.Close()

	var tombstones []Tombstone

	for rows.Next() {
		var t Tombstone

		if err := rows.Scan(&t.Library, &t.Kind, &t.Key, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone row: %w", err)
		}

		tombstones = append(tombstones, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstone rows: %w", err)
	}

	return tombstones, nil
}
