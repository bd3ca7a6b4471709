package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/unduplicator/internal/types"
)

var metadataKeyColumns = map[string]bool{
	types.ColumnUID:         true,
	types.ColumnFile:        true,
	types.ColumnLanguageUID: true,
}

// ListMetadataForFile returns every language variant of a file's metadata.
// Rows are read as JSON objects so every column arrives without knowing the
// table layout in advance.
func (q *queries) ListMetadataForFile(ctx context.Context, fileUID int64) ([]*types.MetadataRecord, error) {
	rows, err := q.q.Query(ctx, `
		SELECT to_jsonb(m)
		FROM sys_file_metadata m
		WHERE m.file = $1
		ORDER BY m.sys_language_uid, m.uid
	`, fileUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata of file %d: %w", fileUID, err)
	}
	defer rows.Close()

	var records []*types.MetadataRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		rec, err := decodeMetadata(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func decodeMetadata(raw []byte) (*types.MetadataRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode metadata row: %w", err)
	}

	rec := &types.MetadataRecord{Fields: make(map[string]*string, len(row))}
	for col, v := range row {
		text := jsonText(v)
		switch col {
		case types.ColumnUID:
			rec.UID = jsonInt(v)
		case types.ColumnFile:
			rec.File = jsonInt(v)
		case types.ColumnLanguageUID:
			rec.LanguageUID = jsonInt(v)
		default:
			rec.Fields[col] = text
		}
	}
	return rec, nil
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
	param, err := q.castParam(ctx, types.TableMetadata, field, 1)
	if err != nil {
		return err
	}

	tag, err := q.q.Exec(ctx,
		fmt.Sprintf(`UPDATE sys_file_metadata SET %s = %s WHERE uid = $2`, col, param),
		value, metadataUID)
	if err != nil {
		return fmt.Errorf("failed to update metadata %d field %s: %w", metadataUID, field, err)
	}
	return expectAffected(tag, "metadata", metadataUID)
}

// InsertMetadata creates a metadata record and returns its uid. Fields that
// are not columns of the metadata table are ignored.
func (q *queries) InsertMetadata(ctx context.Context, rec *types.MetadataRecord) (int64, error) {
	known, err := q.tableColumns(ctx, types.TableMetadata)
	if err != nil {
		return 0, err
	}

	cols := []string{`"file"`, `"sys_language_uid"`}
	values := []string{"$1", "$2"}
	args := []any{rec.File, rec.LanguageUID}

	fields := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		if _, ok := known[name]; ok && !metadataKeyColumns[name] {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	for _, name := range fields {
		col, err := quoteIdent(name)
		if err != nil {
			return 0, err
		}
		args = append(args, rec.Fields[name])
		cols = append(cols, col)
		values = append(values, fmt.Sprintf("CAST($%d::text AS %s)", len(args), known[name]))
	}

	var uid int64
	err = q.q.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO sys_file_metadata (%s) VALUES (%s) RETURNING uid`,
		strings.Join(cols, ", "), strings.Join(values, ", ")), args...).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metadata for file %d: %w", rec.File, err)
	}
	return uid, nil
}

// DeleteMetadata removes a metadata record
func (q *queries) DeleteMetadata(ctx context.Context, uid int64) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM sys_file_metadata WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %d: %w", uid, err)
	}
	return expectAffected(tag, "metadata", uid)
}

func jsonText(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = "0"
		if x {
			s = "1"
		}
	default:
		b, _ := json.Marshal(x)
		s = string(b)
	}
	return &s
}

func jsonInt(v any) int64 {
	if n, ok := v.(json.Number); ok {
		i, _ := n.Int64()
		return i
	}
	return 0
}
