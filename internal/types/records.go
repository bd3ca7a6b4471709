package types

import (
	"errors"
	"fmt"
	"regexp"
)

// Table names of the record collections the reconciler works on
const (
	TableFiles         = "sys_file"
	TableMetadata      = "sys_file_metadata"
	TableRefIndex      = "sys_refindex"
	TableDerivedFiles  = "sys_file_processedfile"
	TableStorages      = "sys_file_storage"
	ColumnUID          = "uid"
	ColumnFile         = "file"
	ColumnLanguageUID  = "sys_language_uid"
	ColumnIdentifier   = "identifier"
	ColumnStorage      = "storage"
	ColumnOriginalFile = "original"
)

// AllStorages is the storage filter value that matches every partition
const AllStorages int64 = -1

// identifierPattern matches table and column names that are safe to interpolate into SQL
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name can be used as a table or column name
func ValidName(name string) bool {
	return identifierPattern.MatchString(name)
}

// FileRecord is a row of the file registry
type FileRecord struct {
	UID        int64  `json:"uid"`
	Identifier string `json:"identifier"`
	Storage    int64  `json:"storage"`
}

// String returns a short human-readable representation of the record
func (f *FileRecord) String() string {
	return fmt.Sprintf("%s:%d %q (storage %d)", TableFiles, f.UID, f.Identifier, f.Storage)
}

// IdentifierGroup is an identifier/storage pair that occurs more than once
// under case-insensitive comparison
type IdentifierGroup struct {
	Identifier string `json:"identifier"`
	Storage    int64  `json:"storage"`
	Count      int    `json:"count"`
}

// DuplicateFilter restricts duplicate discovery
type DuplicateFilter struct {
	// Identifier limits discovery to a single identifier (case-insensitive). Empty = all.
	Identifier string
	// Storage limits discovery to one partition. AllStorages = all.
	Storage int64
}

// SortOrder is the uid ordering of file records within a group
type SortOrder string

const (
	SortNewestFirst SortOrder = "desc"
	SortOldestFirst SortOrder = "asc"
)

// IsValid checks if the order value is valid
func (o SortOrder) IsValid() bool {
	return o == SortNewestFirst || o == SortOldestFirst
}

// SQL returns the ORDER BY direction keyword
func (o SortOrder) SQL() string {
	if o == SortOldestFirst {
		return "ASC"
	}
	return "DESC"
}

// MetadataRecord is one language variant of a file's metadata.
// Fields holds every non-key column; a nil value is NULL.
type MetadataRecord struct {
	UID         int64              `json:"uid"`
	File        int64              `json:"file"`
	LanguageUID int64              `json:"sys_language_uid"`
	Fields      map[string]*string `json:"fields"`
}

// Value returns the field value and whether the field is set (present and not NULL)
func (m *MetadataRecord) Value(field string) (string, bool) {
	if m == nil || m.Fields == nil {
		return "", false
	}
	v, ok := m.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Clone returns a deep copy of the record
func (m *MetadataRecord) Clone() *MetadataRecord {
	if m == nil {
		return nil
	}
	out := &MetadataRecord{
		UID:         m.UID,
		File:        m.File,
		LanguageUID: m.LanguageUID,
		Fields:      make(map[string]*string, len(m.Fields)),
	}
	for k, v := range m.Fields {
		if v == nil {
			out.Fields[k] = nil
			continue
		}
		s := *v
		out.Fields[k] = &s
	}
	return out
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// ReferenceKey identifies one reference index row
type ReferenceKey struct {
	Hash      string `json:"hash"`
	TableName string `json:"tablename"`
	RecUID    int64  `json:"recuid"`
	Field     string `json:"field"`
	RefTable  string `json:"ref_table"`
	RefUID    int64  `json:"ref_uid"`
}

// ReferenceIndexEntry states that record TableName.RecUID, field Field,
// references RefTable.RefUID. A non-empty SoftRefKey means the reference is
// embedded in the field's text rather than being the field value itself.
type ReferenceIndexEntry struct {
	ReferenceKey
	SoftRefKey string `json:"softref_key,omitempty"`
	SoftRefID  string `json:"softref_id,omitempty"`
	Sorting    int64  `json:"sorting"`
	RefString  string `json:"ref_string,omitempty"`
}

// IsSoftReference reports whether the reference is embedded in free text
func (e *ReferenceIndexEntry) IsSoftReference() bool {
	return e.SoftRefKey != ""
}

// Key returns the composite key of the entry
func (e *ReferenceIndexEntry) Key() ReferenceKey {
	return e.ReferenceKey
}

// DerivedFileRecord is a cached derivative of a file (for example a resized image)
type DerivedFileRecord struct {
	UID        int64  `json:"uid"`
	Original   int64  `json:"original"`
	Storage    int64  `json:"storage"`
	Identifier string `json:"identifier"`
}

// Storage is a storage partition
type Storage struct {
	UID      int64  `json:"uid"`
	Name     string `json:"name"`
	BasePath string `json:"base_path"`
}

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("record not found")
