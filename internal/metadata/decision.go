package metadata

import (
	"github.com/steveyegge/unduplicator/internal/types"
)

// Decision compares the metadata of a duplicate with the master's metadata
// for one language, restricted to the tracked fields
type Decision struct {
	MasterFileUID int64
	// Master is the master's record for the language, nil if it has none
	Master *types.MetadataRecord
	// Old is the duplicate's record for the language
	Old           *types.MetadataRecord
	TrackedFields []string
}

// HasMaster reports whether the master has a record for this language
func (d *Decision) HasMaster() bool {
	return d.Master != nil
}

// MasterUID returns the uid of the master's record, 0 if there is none
func (d *Decision) MasterUID() int64 {
	if d.Master == nil {
		return 0
	}
	return d.Master.UID
}

// OldUID returns the uid of the duplicate's record
func (d *Decision) OldUID() int64 {
	return d.Old.UID
}

// LanguageUID returns the language both records are compared for
func (d *Decision) LanguageUID() int64 {
	return d.Old.LanguageUID
}

// OldClean returns the duplicate's non-empty tracked fields
func (d *Decision) OldClean() map[string]string {
	return clean(d.Old, d.TrackedFields)
}

// MasterClean returns the master's non-empty tracked fields
func (d *Decision) MasterClean() map[string]string {
	return clean(d.Master, d.TrackedFields)
}

// OldEmpty reports whether every tracked field of the duplicate is empty
func (d *Decision) OldEmpty() bool {
	return len(d.OldClean()) == 0
}

// MasterEmpty reports whether every tracked field of the master is empty
func (d *Decision) MasterEmpty() bool {
	return len(d.MasterClean()) == 0
}

// OldSameAsMaster reports whether both records carry the same non-empty tracked fields
func (d *Decision) OldSameAsMaster() bool {
	oldClean := d.OldClean()
	masterClean := d.MasterClean()
	if len(oldClean) != len(masterClean) {
		return false
	}
	for k, v := range oldClean {
		mv, ok := masterClean[k]
		if !ok || mv != v {
			return false
		}
	}
	return true
}

// clean drops untracked and empty fields. A field is empty if it is absent,
// NULL, or the empty string.
func clean(rec *types.MetadataRecord, tracked []string) map[string]string {
	out := make(map[string]string)
	if rec == nil {
		return out
	}
	for _, field := range tracked {
		if v, ok := rec.Value(field); ok && v != "" {
			out[field] = v
		}
	}
	return out
}
