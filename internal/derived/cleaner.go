// Package derived removes cached derivatives of a file, both the records
// and the files backing them.
package derived

import (
	"context"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/types"
)

// Store is the subset of the record store the cleaner needs
type Store interface {
	ListDerivedFiles(ctx context.Context, originalUID int64) ([]*types.DerivedFileRecord, error)
	DeleteDerivedFileRecords(ctx context.Context, originalUID int64) (int64, error)
	GetStorage(ctx context.Context, uid int64) (*types.Storage, error)
}

// ArtifactState is what happened to one derived artifact
type ArtifactState string

const (
	ArtifactDeleted ArtifactState = "deleted"
	ArtifactAbsent  ArtifactState = "absent"
	ArtifactSkipped ArtifactState = "skipped"
)

// Artifact reports one derived record
type Artifact struct {
	types.DerivedFileRecord
	State ArtifactState `json:"state"`
}

// Result summarizes the cleanup of one file
type Result struct {
	OriginalUID    int64      `json:"original_uid"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	RecordsDeleted int64      `json:"records_deleted"`
}

// Count returns the number of artifacts in the given state
func (r *Result) Count(state ArtifactState) int {
	n := 0
	for _, a := range r.Artifacts {
		if a.State == state {
			n++
		}
	}
	return n
}

// Cleaner deletes derived files of a file record
type Cleaner struct {
	artifacts ArtifactStore
	dryRun    bool
	log       *logger.Logger
}

// NewCleaner creates a cleaner. In dry-run mode it only reports.
func NewCleaner(artifacts ArtifactStore, dryRun bool, log *logger.Logger) *Cleaner {
	return &Cleaner{artifacts: artifacts, dryRun: dryRun, log: logger.OrNop(log)}
}

// Clean deletes the artifacts of every derived record of originalUID, then
// the records. Missing artifacts are not an error. Records with an empty
// identifier or no storage keep their artifact but are still deleted.
func (c *Cleaner) Clean(ctx context.Context, store Store, originalUID int64) (*Result, error) {
	records, err := store.ListDerivedFiles(ctx, originalUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list derived files of %d: %w", originalUID, err)
	}

	result := &Result{OriginalUID: originalUID}
	if len(records) == 0 {
		return result, nil
	}

	storages := make(map[int64]*types.Storage)
	for _, rec := range records {
		state, err := c.cleanArtifact(ctx, store, storages, rec)
		if err != nil {
			return result, err
		}
		result.Artifacts = append(result.Artifacts, Artifact{DerivedFileRecord: *rec, State: state})
	}

	if c.dryRun {
		result.RecordsDeleted = int64(len(records))
		return result, nil
	}

	n, err := store.DeleteDerivedFileRecords(ctx, originalUID)
	if err != nil {
		return result, fmt.Errorf("failed to delete derived records of %d: %w", originalUID, err)
	}
	result.RecordsDeleted = n
	return result, nil
}

func (c *Cleaner) cleanArtifact(ctx context.Context, store Store, storages map[int64]*types.Storage, rec *types.DerivedFileRecord) (ArtifactState, error) {
	if rec.Identifier == "" || rec.Storage == 0 {
		c.log.Error("derived file has no identifier or storage, not deleting artifact",
			"uid", rec.UID, "original", rec.Original, "storage", rec.Storage, "identifier", rec.Identifier)
		return ArtifactSkipped, nil
	}

	storage, ok := storages[rec.Storage]
	if !ok {
		var err error
		storage, err = store.GetStorage(ctx, rec.Storage)
		if err != nil {
			return "", fmt.Errorf("failed to get storage %d: %w", rec.Storage, err)
		}
		storages[rec.Storage] = storage
	}
	if storage == nil {
		c.log.Warn("storage of derived file does not exist, not deleting artifact",
			"uid", rec.UID, "storage", rec.Storage, "identifier", rec.Identifier)
		return ArtifactSkipped, nil
	}

	var (
		present bool
		err     error
	)
	if c.dryRun {
		present, err = c.artifacts.ArtifactExists(ctx, storage, rec.Identifier)
	} else {
		present, err = c.artifacts.DeleteArtifact(ctx, storage, rec.Identifier)
	}
	if err != nil {
		return "", fmt.Errorf("failed to delete derived artifact %s: %w", rec.Identifier, err)
	}

	if !present {
		c.log.Warn("derived artifact already absent", "uid", rec.UID, "identifier", rec.Identifier)
		return ArtifactAbsent, nil
	}
	c.log.Debug("deleted derived artifact", "uid", rec.UID, "identifier", rec.Identifier, "dry_run", c.dryRun)
	return ArtifactDeleted, nil
}
