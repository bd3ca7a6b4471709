package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/unduplicator/internal/types"
)

// key columns of sys_file_metadata, every other column goes into Fields
var metadataKeyColumns = map[string]bool{
	types.ColumnUID:         true,
	types.ColumnFile:        true,
	types.ColumnLanguageUID: true,
}

// ListMetadataForFile returns every language variant of a file's metadata
func (q *queries) ListMetadataForFile(ctx context.Context, fileUID int64) ([]*types.MetadataRecord, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT * FROM sys_file_metadata
		WHERE file = ?
		ORDER BY sys_language_uid, uid
	`, fileUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata of file %d: %w", fileUID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata columns: %w", err)
	}

	var records []*types.MetadataRecord
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}

		rec := &types.MetadataRecord{Fields: make(map[string]*string, len(cols))}
		for i, col := range cols {
			text := rawText(values[i])
			switch col {
			case types.ColumnUID:
				rec.UID = rawInt(values[i])
			case types.ColumnFile:
				rec.File = rawInt(values[i])
			case types.ColumnLanguageUID:
				rec.LanguageUID = rawInt(values[i])
			default:
				rec.Fields[col] = text
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateMetadataField sets one column of a metadata record. A nil value writes NULL.
func (q *queries) UpdateMetadataField(ctx context.Context, metadataUID int64, field string, value *string) error {
	if metadataKeyColumns[field] {
		return fmt.Errorf("refusing to update key column %s", field)
	}
	col, err := quoteIdent(field)
	if err != nil {
		return err
	}

	res, err := q.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sys_file_metadata SET %s = ? WHERE uid = ?`, col),
		nullable(value), metadataUID)
	if err != nil {
		return fmt.Errorf("failed to update metadata %d field %s: %w", metadataUID, field, err)
	}
	return expectAffected(res, "metadata", metadataUID)
}

// InsertMetadata creates a metadata record and returns its uid. Fields that
// are not columns of the metadata table are ignored.
func (q *queries) InsertMetadata(ctx context.Context, rec *types.MetadataRecord) (int64, error) {
	known, err := q.tableColumns(ctx, types.TableMetadata)
	if err != nil {
		return 0, err
	}

	cols := []string{`"file"`, `"sys_language_uid"`}
	args := []any{rec.File, rec.LanguageUID}

	fields := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		if known[name] && !metadataKeyColumns[name] {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	for _, name := range fields {
		col, err := quoteIdent(name)
		if err != nil {
			return 0, err
		}
		cols = append(cols, col)
		args = append(args, nullable(rec.Fields[name]))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	res, err := q.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO sys_file_metadata (%s) VALUES (%s)`,
		strings.Join(cols, ", "), placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metadata for file %d: %w", rec.File, err)
	}

	uid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read metadata uid: %w", err)
	}
	return uid, nil
}

// DeleteMetadata removes a metadata record
func (q *queries) DeleteMetadata(ctx context.Context, uid int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM sys_file_metadata WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %d: %w", uid, err)
	}
	return expectAffected(res, "metadata", uid)
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

// rawText converts a driver value to its text form; NULL stays nil
func rawText(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		s = string(x)
	case string:
		s = x
	case bool:
		s = "0"
		if x {
			s = "1"
		}
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

func rawInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		if s := rawText(v); s != nil {
			n, _ := strconv.ParseInt(*s, 10, 64)
			return n
		}
		return 0
	}
}
