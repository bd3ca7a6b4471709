package metadata

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/unduplicator/internal/types"
)

// DuplicateMetadataError is returned when a file has more than one metadata
// record for the same language. Which record is authoritative cannot be
// decided automatically.
type DuplicateMetadataError struct {
	FileUID     int64
	LanguageUID int64
	Count       int
}

func (e *DuplicateMetadataError) Error() string {
	return fmt.Sprintf("file %d has %d metadata records for language %d (expected at most one)",
		e.FileUID, e.Count, e.LanguageUID)
}

// LanguageSet holds at most one metadata record per language for one file
type LanguageSet struct {
	FileUID int64
	records map[int64]*types.MetadataRecord
}

// NewLanguageSet indexes records by language. It fails with a
// *DuplicateMetadataError if two records share a language.
func NewLanguageSet(fileUID int64, records []*types.MetadataRecord) (*LanguageSet, error) {
	counts := make(map[int64]int, len(records))
	set := &LanguageSet{
		FileUID: fileUID,
		records: make(map[int64]*types.MetadataRecord, len(records)),
	}
	for _, rec := range records {
		counts[rec.LanguageUID]++
		set.records[rec.LanguageUID] = rec
	}

	// Report the lowest offending language so the error is deterministic
	var dupLang int64
	dupCount := 0
	for lang, n := range counts {
		if n > 1 && (dupCount == 0 || lang < dupLang) {
			dupLang, dupCount = lang, n
		}
	}
	if dupCount > 0 {
		return nil, &DuplicateMetadataError{FileUID: fileUID, LanguageUID: dupLang, Count: dupCount}
	}
	return set, nil
}

// MetadataLister reads the metadata records of a file
type MetadataLister interface {
	ListMetadataForFile(ctx context.Context, fileUID int64) ([]*types.MetadataRecord, error)
}

// LoadLanguageSet reads and validates the metadata records of a file
func LoadLanguageSet(ctx context.Context, store MetadataLister, fileUID int64) (*LanguageSet, error) {
	records, err := store.ListMetadataForFile(ctx, fileUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata for file %d: %w", fileUID, err)
	}
	return NewLanguageSet(fileUID, records)
}

// Get returns the record for a language, or nil
func (s *LanguageSet) Get(languageUID int64) *types.MetadataRecord {
	return s.records[languageUID]
}

// Put stores rec under its language, replacing any existing record
func (s *LanguageSet) Put(rec *types.MetadataRecord) {
	s.records[rec.LanguageUID] = rec
}

// Languages returns the languages present, in ascending order
func (s *LanguageSet) Languages() []int64 {
	langs := make([]int64, 0, len(s.records))
	for lang := range s.records {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// Len returns the number of languages
func (s *LanguageSet) Len() int {
	return len(s.records)
}

// Clone returns a deep copy of the set
func (s *LanguageSet) Clone() *LanguageSet {
	out := &LanguageSet{
		FileUID: s.FileUID,
		records: make(map[int64]*types.MetadataRecord, len(s.records)),
	}
	for lang, rec := range s.records {
		out.records[lang] = rec.Clone()
	}
	return out
}
