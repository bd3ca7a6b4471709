package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/types"
)

const refKeyWhere = `hash = ? AND tablename = ? AND recuid = ? AND field = ? AND ref_table = ? AND ref_uid = ?`

func refKeyArgs(key types.ReferenceKey) []any {
	return []any{key.Hash, key.TableName, key.RecUID, key.Field, key.RefTable, key.RefUID}
}

// ListReferencesTo returns the index entries pointing at table.uid, leaving
// out entries held by records of excludeTable (if set)
func (q *queries) ListReferencesTo(ctx context.Context, table string, uid int64, excludeTable string) ([]*types.ReferenceIndexEntry, error) {
	query := `
		SELECT hash, tablename, recuid, field, softref_key, softref_id, sorting, ref_table, ref_uid, ref_string
		FROM sys_refindex
		WHERE ref_table = ? AND ref_uid = ?`
	args := []any{table, uid}
	if excludeTable != "" {
		query += ` AND tablename <> ?`
		args = append(args, excludeTable)
	}
	query += ` ORDER BY tablename, recuid, field, sorting, hash`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list references to %s:%d: %w", table, uid, err)
	}
	defer rows.Close()

	var entries []*types.ReferenceIndexEntry
	for rows.Next() {
		var e types.ReferenceIndexEntry
		if err := rows.Scan(&e.Hash, &e.TableName, &e.RecUID, &e.Field, &e.SoftRefKey, &e.SoftRefID,
			&e.Sorting, &e.RefTable, &e.RefUID, &e.RefString); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// UpdateReferenceTarget repoints one index entry, keeping its other key fields
func (q *queries) UpdateReferenceTarget(ctx context.Context, key types.ReferenceKey, newUID int64) error {
	args := append([]any{newUID}, refKeyArgs(key)...)
	res, err := q.q.ExecContext(ctx, `UPDATE sys_refindex SET ref_uid = ? WHERE `+refKeyWhere, args...)
	if err != nil {
		return fmt.Errorf("failed to update reference %s: %w", key.Hash, err)
	}
	return expectAffected(res, "reference from "+key.TableName, key.RecUID)
}

// DeleteReferenceEntry removes one index entry
func (q *queries) DeleteReferenceEntry(ctx context.Context, key types.ReferenceKey) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM sys_refindex WHERE `+refKeyWhere, refKeyArgs(key)...)
	if err != nil {
		return fmt.Errorf("failed to delete reference %s: %w", key.Hash, err)
	}
	return expectAffected(res, "reference from "+key.TableName, key.RecUID)
}

// DeleteReferencesFrom removes the index entries held by one record
func (q *queries) DeleteReferencesFrom(ctx context.Context, table string, recUID int64) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM sys_refindex WHERE tablename = ? AND recuid = ?`, table, recUID); err != nil {
		return fmt.Errorf("failed to delete references from %s:%d: %w", table, recUID, err)
	}
	return nil
}

// ReadReferencingField returns the text of a referencing record's field; NULL reads as ""
func (q *queries) ReadReferencingField(ctx context.Context, table string, recUID int64, field string) (string, error) {
	tbl, err := quoteIdent(table)
	if err != nil {
		return "", err
	}
	col, err := quoteIdent(field)
	if err != nil {
		return "", err
	}

	var value sql.NullString
	err = q.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE uid = ?`, col, tbl), recUID).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s %d: %w", table, recUID, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s:%d field %s: %w", table, recUID, field, err)
	}
	return value.String, nil
}

// WriteReferencingField sets a referencing record's field
func (q *queries) WriteReferencingField(ctx context.Context, table string, recUID int64, field string, value any) error {
	tbl, err := quoteIdent(table)
	if err != nil {
		return err
	}
	col, err := quoteIdent(field)
	if err != nil {
		return err
	}

	res, err := q.q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE uid = ?`, tbl, col), value, recUID)
	if err != nil {
		return fmt.Errorf("failed to write %s:%d field %s: %w", table, recUID, field, err)
	}
	return expectAffected(res, table, recUID)
}
