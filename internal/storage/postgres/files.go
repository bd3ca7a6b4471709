package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/unduplicator/internal/types"
)

// FindDuplicateIdentifierGroups returns identifier/storage pairs held by more
// than one file record, comparing identifiers case-insensitively
func (q *queries) FindDuplicateIdentifierGroups(ctx context.Context, filter types.DuplicateFilter) ([]*types.IdentifierGroup, error) {
	var conds []string
	var args []any
	if filter.Identifier != "" {
		args = append(args, filter.Identifier)
		conds = append(conds, fmt.Sprintf("lower(identifier) = lower($%d)", len(args)))
	}
	if filter.Storage != types.AllStorages {
		args = append(args, filter.Storage)
		conds = append(conds, fmt.Sprintf("storage = $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := q.q.Query(ctx, fmt.Sprintf(`
		SELECT MIN(identifier COLLATE "C"), storage, COUNT(*)
		FROM sys_file
		%s
		GROUP BY lower(identifier), storage
		HAVING COUNT(*) > 1
		ORDER BY storage, MIN(identifier COLLATE "C")
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate identifiers: %w", err)
	}
	defer rows.Close()

	var groups []*types.IdentifierGroup
	for rows.Next() {
		var g types.IdentifierGroup
		if err := rows.Scan(&g.Identifier, &g.Storage, &g.Count); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate identifier: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// ListFilesForIdentifier returns the file records of a storage whose
// identifier matches case-insensitively, ordered by uid
func (q *queries) ListFilesForIdentifier(ctx context.Context, identifier string, storage int64, order types.SortOrder) ([]*types.FileRecord, error) {
	if !order.IsValid() {
		return nil, fmt.Errorf("invalid sort order %q", order)
	}

	rows, err := q.q.Query(ctx, fmt.Sprintf(`
		SELECT uid, identifier, storage
		FROM sys_file
		WHERE lower(identifier) = lower($1) AND storage = $2
		ORDER BY uid %s
	`, order.SQL()), identifier, storage)
	if err != nil {
		return nil, fmt.Errorf("failed to list files for %q: %w", identifier, err)
	}
	defer rows.Close()

	var files []*types.FileRecord
	for rows.Next() {
		var f types.FileRecord
		if err := rows.Scan(&f.UID, &f.Identifier, &f.Storage); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// DeleteFileRecord removes a file record
func (q *queries) DeleteFileRecord(ctx context.Context, uid int64) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM sys_file WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete file %d: %w", uid, err)
	}
	return expectAffected(tag, "file", uid)
}

// GetStorage retrieves a storage partition. Returns nil if it does not exist.
func (q *queries) GetStorage(ctx context.Context, uid int64) (*types.Storage, error) {
	var s types.Storage
	err := q.q.QueryRow(ctx, `
		SELECT uid, name, base_path FROM sys_file_storage WHERE uid = $1
	`, uid).Scan(&s.UID, &s.Name, &s.BasePath)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage %d: %w", uid, err)
	}
	return &s, nil
}

// ListDerivedFiles returns the processed files generated from a file
func (q *queries) ListDerivedFiles(ctx context.Context, originalUID int64) ([]*types.DerivedFileRecord, error) {
	rows, err := q.q.Query(ctx, `
		SELECT uid, original, storage, identifier
		FROM sys_file_processedfile
		WHERE original = $1
		ORDER BY uid
	`, originalUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed files of %d: %w", originalUID, err)
	}
	defer rows.Close()

	var derived []*types.DerivedFileRecord
	for rows.Next() {
		var d types.DerivedFileRecord
		if err := rows.Scan(&d.UID, &d.Original, &d.Storage, &d.Identifier); err != nil {
			return nil, fmt.Errorf("failed to scan processed file: %w", err)
		}
		derived = append(derived, &d)
	}
	return derived, rows.Err()
}

// DeleteDerivedFileRecords removes every processed file of a file and
// returns how many were deleted
func (q *queries) DeleteDerivedFileRecords(ctx context.Context, originalUID int64) (int64, error) {
	tag, err := q.q.Exec(ctx, `DELETE FROM sys_file_processedfile WHERE original = $1`, originalUID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed files of %d: %w", originalUID, err)
	}
	return tag.RowsAffected(), nil
}
