package reconcile

import (
	"time"

	"github.com/steveyegge/unduplicator/internal/derived"
	"github.com/steveyegge/unduplicator/internal/finder"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/references"
)

// Status is the final state of one duplicate file record
type Status string

const (
	// StatusRemoved means the duplicate was merged and deleted (or would be, in a dry run)
	StatusRemoved Status = "removed"
	// StatusConflict means metadata conflicts kept the duplicate
	StatusConflict Status = "conflict"
	// StatusFailed means an error rolled the duplicate back
	StatusFailed Status = "failed"
	// StatusSkipped means the duplicate was not processed because its group failed
	StatusSkipped Status = "skipped"
)

// DuplicateReport describes what happened to one duplicate
type DuplicateReport struct {
	Identifier   string             `json:"identifier"`
	Storage      int64              `json:"storage"`
	MasterUID    int64              `json:"master_uid"`
	DuplicateUID int64              `json:"duplicate_uid"`
	Status       Status             `json:"status"`
	Metadata     *metadata.Result   `json:"metadata,omitempty"`
	References   *references.Result `json:"references,omitempty"`
	Derived      *derived.Result    `json:"derived,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// GroupError is a failure that stopped a group
type GroupError struct {
	Identifier string `json:"identifier"`
	Storage    int64  `json:"storage"`
	FileUID    int64  `json:"file_uid"`
	Error      string `json:"error"`
}

// Summary is the report of one reconciliation run
type Summary struct {
	RunID      string    `json:"run_id"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	IndexRebuilt bool `json:"index_rebuilt"`

	Groups          int `json:"groups"`
	DuplicatesFound int `json:"duplicates_found"`
	Removed         int `json:"removed"`
	Conflicts       int `json:"conflicts"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`

	MetadataDeleted   int `json:"metadata_deleted"`
	MetadataMigrated  int `json:"metadata_migrated"`
	ReferencesUpdated int `json:"references_updated"`
	StaleReferences   int `json:"stale_references"`
	DerivedDeleted    int `json:"derived_deleted"`

	Collisions       []*finder.Collision `json:"collisions,omitempty"`
	EmptyIdentifiers int                 `json:"empty_identifiers,omitempty"`
	Duplicates       []*DuplicateReport  `json:"duplicates,omitempty"`
	GroupErrors      []GroupError        `json:"group_errors,omitempty"`
}

// HasConflicts reports whether any duplicate was kept because of a conflict
func (s *Summary) HasConflicts() bool {
	return s.Conflicts > 0
}

// Changed reports whether the run changed (or would change) anything
func (s *Summary) Changed() bool {
	return s.Removed > 0 || s.MetadataDeleted > 0 || s.MetadataMigrated > 0 || s.ReferencesUpdated > 0
}

func (s *Summary) add(r *DuplicateReport) {
	s.Duplicates = append(s.Duplicates, r)
	switch r.Status {
	case StatusRemoved:
		s.Removed++
	case StatusConflict:
		s.Conflicts++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}

	// a failed duplicate was rolled back, nothing it did counts
	if r.Status == StatusFailed {
		return
	}
	if r.Metadata != nil {
		for _, o := range r.Metadata.Outcomes {
			switch o.Action {
			case metadata.ActionDelete:
				s.MetadataDeleted++
			case metadata.ActionMigrate:
				s.MetadataMigrated++
			}
		}
	}
	if r.References != nil {
		for _, e := range r.References.Entries {
			if e.Stale {
				s.StaleReferences++
			} else {
				s.ReferencesUpdated++
			}
		}
	}
	if r.Derived != nil {
		s.DerivedDeleted += int(r.Derived.RecordsDeleted)
	}
}
