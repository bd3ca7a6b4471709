package postgres

import (
	"context"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/types"
)

// refKeyWhere matches the composite key with placeholders numbered from start
func refKeyWhere(start int) string {
	return fmt.Sprintf("hash = $%d AND tablename = $%d AND recuid = $%d AND field = $%d AND ref_table = $%d AND ref_uid = $%d",
		start, start+1, start+2, start+3, start+4, start+5)
}

func refKeyArgs(key types.ReferenceKey) []any {
	return []any{key.Hash, key.TableName, key.RecUID, key.Field, key.RefTable, key.RefUID}
}

// ListReferencesTo returns the index entries pointing at table.uid, leaving
// out entries held by records of excludeTable (if set)
func (q *queries) ListReferencesTo(ctx context.Context, table string, uid int64, excludeTable string) ([]*types.ReferenceIndexEntry, error) {
	query := `
		SELECT hash, tablename, recuid, field, softref_key, softref_id, sorting, ref_table, ref_uid, ref_string
		FROM sys_refindex
		WHERE ref_table = $1 AND ref_uid = $2`
	args := []any{table, uid}
	if excludeTable != "" {
		query += ` AND tablename <> $3`
		args = append(args, excludeTable)
	}
	query += ` ORDER BY tablename, recuid, field, sorting, hash`

	rows, err := q.q.Query(ctx, query, args...)
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
	tag, err := q.q.Exec(ctx, `UPDATE sys_refindex SET ref_uid = $1 WHERE `+refKeyWhere(2), args...)
	if err != nil {
		return fmt.Errorf("failed to update reference %s: %w", key.Hash, err)
	}
	return expectAffected(tag, "reference from "+key.TableName, key.RecUID)
}

// DeleteReferenceEntry removes one index entry
func (q *queries) DeleteReferenceEntry(ctx context.Context, key types.ReferenceKey) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM sys_refindex WHERE `+refKeyWhere(1), refKeyArgs(key)...)
	if err != nil {
		return fmt.Errorf("failed to delete reference %s: %w", key.Hash, err)
	}
	return expectAffected(tag, "reference from "+key.TableName, key.RecUID)
}

// DeleteReferencesFrom removes the index entries held by one record
func (q *queries) DeleteReferencesFrom(ctx context.Context, table string, recUID int64) error {
	if _, err := q.q.Exec(ctx, `DELETE FROM sys_refindex WHERE tablename = $1 AND recuid = $2`, table, recUID); err != nil {
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

	var value *string
	err = q.q.QueryRow(ctx, fmt.Sprintf(`SELECT %s::text FROM %s WHERE uid = $1`, col, tbl), recUID).Scan(&value)
	if isNoRows(err) {
		return "", fmt.Errorf("%s %d: %w", table, recUID, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s:%d field %s: %w", table, recUID, field, err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
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
	param, err := q.castParam(ctx, table, field, 1)
	if err != nil {
		return err
	}

	var text *string
	if value != nil {
		s := fmt.Sprint(value)
		text = &s
	}

	tag, err := q.q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = %s WHERE uid = $2`, tbl, col, param), text, recUID)
	if err != nil {
		return fmt.Errorf("failed to write %s:%d field %s: %w", table, recUID, field, err)
	}
	return expectAffected(tag, table, recUID)
}
