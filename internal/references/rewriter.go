package references

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/types"
)

// Store is the subset of the record store the rewriter needs
type Store interface {
	ListReferencesTo(ctx context.Context, table string, uid int64, excludeTable string) ([]*types.ReferenceIndexEntry, error)
	UpdateReferenceTarget(ctx context.Context, key types.ReferenceKey, newUID int64) error
	DeleteReferenceEntry(ctx context.Context, key types.ReferenceKey) error
	ReadReferencingField(ctx context.Context, table string, recUID int64, field string) (string, error)
	WriteReferencingField(ctx context.Context, table string, recUID int64, field string, value any) error
}

// ErrPatternNotFound means a soft reference's text names the duplicate in
// no configured pattern, so the text cannot be repointed
var ErrPatternNotFound = errors.New("no configured link pattern matches the referenced uid")

// UpdateError is returned when a referencing record or an index entry could
// not be read or written. The duplicate's references may be inconsistent, so
// it must not be deleted.
type UpdateError struct {
	Entry types.ReferenceKey
	Op    string
	Err   error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to %s for %s:%d field %s (ref %s:%d): %v",
		e.Op, e.Entry.TableName, e.Entry.RecUID, e.Entry.Field, e.Entry.RefTable, e.Entry.RefUID, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Options configures a Rewriter
type Options struct {
	// Patterns are the embedded reference syntaxes rewritten in soft references
	Patterns []Pattern
	DryRun   bool
}

// RewrittenEntry reports what happened to one index entry
type RewrittenEntry struct {
	types.ReferenceIndexEntry
	// Replacements counts rewritten occurrences in a soft reference's text
	Replacements int `json:"replacements"`
	// Stale is true if the referencing record no longer exists and the entry was dropped
	Stale bool `json:"stale,omitempty"`
}

// Result lists the entries rewritten for one duplicate
type Result struct {
	MasterUID int64            `json:"master_uid"`
	OldUID    int64            `json:"old_uid"`
	Entries   []RewrittenEntry `json:"entries,omitempty"`
}

// Rewriter repoints references from a duplicate file to its master
type Rewriter struct {
	opts Options
	log  *logger.Logger
}

// NewRewriter creates a rewriter
func NewRewriter(opts Options, log *logger.Logger) *Rewriter {
	return &Rewriter{opts: opts, log: logger.OrNop(log)}
}

// Rewrite updates every indexed reference to oldUID (except those held by
// metadata records, which the metadata reconciler owns) to point at
// masterUID. It stops at the first failure and returns an *UpdateError.
func (r *Rewriter) Rewrite(ctx context.Context, store Store, masterUID, oldUID int64) (*Result, error) {
	entries, err := store.ListReferencesTo(ctx, types.TableFiles, oldUID, types.TableMetadata)
	if err != nil {
		return nil, &UpdateError{
			Entry: types.ReferenceKey{TableName: types.TableRefIndex, RefTable: types.TableFiles, RefUID: oldUID},
			Op:    "list references",
			Err:   err,
		}
	}

	result := &Result{MasterUID: masterUID, OldUID: oldUID}
	for _, entry := range entries {
		rewritten, err := r.rewriteEntry(ctx, store, masterUID, entry)
		if err != nil {
			return result, err
		}
		result.Entries = append(result.Entries, rewritten)
	}
	return result, nil
}

func (r *Rewriter) rewriteEntry(ctx context.Context, store Store, masterUID int64, entry *types.ReferenceIndexEntry) (RewrittenEntry, error) {
	out := RewrittenEntry{ReferenceIndexEntry: *entry}
	key := entry.Key()

	var value any = masterUID
	if entry.IsSoftReference() {
		text, err := store.ReadReferencingField(ctx, entry.TableName, entry.RecUID, entry.Field)
		if errors.Is(err, types.ErrNotFound) {
			return r.dropStale(ctx, store, out)
		}
		if err != nil {
			return out, &UpdateError{Entry: key, Op: "read referencing field", Err: err}
		}
		updated, n := ReplaceUID(text, r.opts.Patterns, entry.RefUID, masterUID)
		out.Replacements = n
		if n == 0 {
			return out, &UpdateError{Entry: key, Op: "match soft reference", Err: ErrPatternNotFound}
		}
		value = updated
	}

	if r.opts.DryRun {
		if !entry.IsSoftReference() {
			if _, err := store.ReadReferencingField(ctx, entry.TableName, entry.RecUID, entry.Field); errors.Is(err, types.ErrNotFound) {
				return r.dropStale(ctx, store, out)
			} else if err != nil {
				return out, &UpdateError{Entry: key, Op: "read referencing field", Err: err}
			}
		}
		return out, nil
	}

	if err := store.WriteReferencingField(ctx, entry.TableName, entry.RecUID, entry.Field, value); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return r.dropStale(ctx, store, out)
		}
		return out, &UpdateError{Entry: key, Op: "write referencing field", Err: err}
	}
	if err := store.UpdateReferenceTarget(ctx, key, masterUID); err != nil {
		return out, &UpdateError{Entry: key, Op: "update reference index", Err: err}
	}

	r.log.Debug("updated reference",
		"tablename", entry.TableName, "recuid", entry.RecUID, "field", entry.Field,
		"softref_key", entry.SoftRefKey, "ref_uid", masterUID)
	return out, nil
}

// dropStale removes an index entry whose referencing record is gone
func (r *Rewriter) dropStale(ctx context.Context, store Store, out RewrittenEntry) (RewrittenEntry, error) {
	out.Stale = true
	r.log.Warn("referencing record does not exist, dropping stale index entry",
		"tablename", out.TableName, "recuid", out.RecUID, "field", out.Field)
	if r.opts.DryRun {
		return out, nil
	}
	if err := store.DeleteReferenceEntry(ctx, out.Key()); err != nil {
		return out, &UpdateError{Entry: out.Key(), Op: "delete stale index entry", Err: err}
	}
	return out, nil
}
