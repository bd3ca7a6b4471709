package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/types"
)

// Store is the subset of the record store the reconciler writes to
type Store interface {
	UpdateMetadataField(ctx context.Context, metadataUID int64, field string, value *string) error
	InsertMetadata(ctx context.Context, rec *types.MetadataRecord) (int64, error)
	DeleteMetadata(ctx context.Context, uid int64) error
	DeleteReferencesFrom(ctx context.Context, table string, recUID int64) error
}

// Action is what the reconciler does with one language of a duplicate
type Action string

const (
	// ActionDelete drops the duplicate's record; the master is unchanged
	ActionDelete Action = "delete"
	// ActionMigrate moves the duplicate's values onto the master, then drops the duplicate's record
	ActionMigrate Action = "migrate"
	// ActionConflict leaves both records in place
	ActionConflict Action = "conflict"
)

// Options configures a Reconciler
type Options struct {
	TrackedFields []string
	Force         ForcePolicy
	// Resolver answers conflicts interactively; nil keeps every conflict
	Resolver ConflictResolver
	DryRun   bool
}

// Outcome records what happened to one language of a duplicate
type Outcome struct {
	LanguageUID int64      `json:"sys_language_uid"`
	OldUID      int64      `json:"old_uid"`
	MasterUID   int64      `json:"master_uid,omitempty"`
	Action      Action     `json:"action"`
	Resolution  Resolution `json:"resolution,omitempty"`
	// MasterWritten is true if the master record was updated or created
	MasterWritten bool `json:"master_written,omitempty"`
	MasterCreated bool `json:"master_created,omitempty"`
	// SkippedFields are tracked fields the duplicate's record does not carry
	SkippedFields []string          `json:"skipped_fields,omitempty"`
	OldFields     map[string]string `json:"old_fields,omitempty"`
	MasterFields  map[string]string `json:"master_fields,omitempty"`
}

// Result is the reconciliation of one duplicate file against its master
type Result struct {
	MasterFileUID int64     `json:"master_file_uid"`
	OldFileUID    int64     `json:"old_file_uid"`
	Outcomes      []Outcome `json:"outcomes"`
	// SafeToDelete is false if any language ended in a conflict
	SafeToDelete bool `json:"safe_to_delete"`
}

// Conflicts returns the outcomes that left a conflict behind
func (r *Result) Conflicts() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Action == ActionConflict {
			out = append(out, o)
		}
	}
	return out
}

// Reconciler merges per-language metadata of duplicates into their master
type Reconciler struct {
	opts Options
	log  *logger.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(opts Options, log *logger.Logger) *Reconciler {
	return &Reconciler{opts: opts, log: logger.OrNop(log)}
}

// Decide classifies one language. It is pure except for consulting the
// resolver on a conflict.
func (r *Reconciler) Decide(ctx context.Context, d *Decision) (Action, Resolution, error) {
	if d.OldEmpty() || d.OldSameAsMaster() {
		return ActionDelete, "", nil
	}
	if d.MasterEmpty() || r.opts.Force.Active() {
		return ActionMigrate, "", nil
	}
	if r.opts.Resolver == nil {
		return ActionConflict, "", nil
	}

	res, err := resolve(ctx, r.opts.Resolver, d)
	if err != nil {
		return "", "", err
	}
	switch res {
	case ResolveKeepOld:
		return ActionMigrate, res, nil
	case ResolveKeepMaster:
		return ActionDelete, res, nil
	default:
		return ActionConflict, res, nil
	}
}

// Reconcile processes every language present on the duplicate. master is
// updated in place to reflect migrated values, so later duplicates of the
// same group compare against the merged master.
func (r *Reconciler) Reconcile(ctx context.Context, store Store, master, old *LanguageSet) (*Result, error) {
	if master == nil || old == nil {
		return nil, errors.New("reconcile requires master and duplicate metadata sets")
	}

	result := &Result{
		MasterFileUID: master.FileUID,
		OldFileUID:    old.FileUID,
		SafeToDelete:  true,
	}

	for _, lang := range old.Languages() {
		d := &Decision{
			MasterFileUID: master.FileUID,
			Master:        master.Get(lang),
			Old:           old.Get(lang),
			TrackedFields: r.opts.TrackedFields,
		}

		action, res, err := r.Decide(ctx, d)
		if err != nil {
			return nil, err
		}

		outcome := Outcome{
			LanguageUID: lang,
			OldUID:      d.OldUID(),
			MasterUID:   d.MasterUID(),
			Action:      action,
			Resolution:  res,
		}

		switch action {
		case ActionDelete:
			r.log.Debug("duplicate metadata is empty or same as master",
				"old_uid", d.OldUID(), "sys_language_uid", lang)
			if err := r.deleteOld(ctx, store, d.OldUID()); err != nil {
				return nil, err
			}
		case ActionMigrate:
			if err := r.migrate(ctx, store, master, d, &outcome); err != nil {
				return nil, err
			}
		case ActionConflict:
			outcome.OldFields = d.OldClean()
			outcome.MasterFields = d.MasterClean()
			r.log.Warn("duplicate metadata conflicts with master, not deleting",
				"old_uid", d.OldUID(), "master_uid", d.MasterUID(), "sys_language_uid", lang)
			result.SafeToDelete = false
		}

		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result, nil
}

func (r *Reconciler) migrate(ctx context.Context, store Store, master *LanguageSet, d *Decision, outcome *Outcome) error {
	masterEmpty := d.MasterEmpty()
	switch {
	case masterEmpty:
		r.log.Debug("master metadata is empty", "master_uid", d.MasterUID(), "sys_language_uid", d.LanguageUID())
	case r.opts.Force == ForceKeep:
		r.log.Debug("force keeping metadata in master", "master_uid", d.MasterUID())
	default:
		r.log.Debug("overwriting metadata in master", "master_uid", d.MasterUID())
	}

	if r.opts.Force.WritesMaster(masterEmpty) {
		if d.HasMaster() {
			skipped, err := r.updateMaster(ctx, store, d)
			if err != nil {
				return err
			}
			outcome.SkippedFields = skipped
		} else {
			uid, err := r.createMaster(ctx, store, master, d)
			if err != nil {
				return err
			}
			outcome.MasterUID = uid
			outcome.MasterCreated = true
		}
		outcome.MasterWritten = true
	}

	return r.deleteOld(ctx, store, d.OldUID())
}

// updateMaster copies each tracked field the duplicate carries onto the
// master record. Fields the duplicate does not carry are left alone.
func (r *Reconciler) updateMaster(ctx context.Context, store Store, d *Decision) ([]string, error) {
	var skipped []string
	for _, field := range d.TrackedFields {
		value, ok := d.Old.Value(field)
		if !ok {
			r.log.Warn("field does not exist on duplicate metadata, skipping",
				"field", field, "old_uid", d.OldUID())
			skipped = append(skipped, field)
			continue
		}
		if !r.opts.DryRun {
			if err := store.UpdateMetadataField(ctx, d.Master.UID, field, types.StringPtr(value)); err != nil {
				return nil, fmt.Errorf("failed to update field %s of metadata %d: %w", field, d.Master.UID, err)
			}
		}
		if d.Master.Fields == nil {
			d.Master.Fields = make(map[string]*string)
		}
		d.Master.Fields[field] = types.StringPtr(value)
	}
	return skipped, nil
}

// createMaster inserts a copy of the duplicate's record for the master file
func (r *Reconciler) createMaster(ctx context.Context, store Store, master *LanguageSet, d *Decision) (int64, error) {
	rec := d.Old.Clone()
	rec.UID = 0
	rec.File = master.FileUID

	if !r.opts.DryRun {
		uid, err := store.InsertMetadata(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("failed to create metadata for file %d (language %d): %w",
				master.FileUID, rec.LanguageUID, err)
		}
		rec.UID = uid
	}
	master.Put(rec)
	return rec.UID, nil
}

func (r *Reconciler) deleteOld(ctx context.Context, store Store, uid int64) error {
	if r.opts.DryRun {
		return nil
	}
	if err := store.DeleteMetadata(ctx, uid); err != nil {
		return fmt.Errorf("failed to delete metadata %d: %w", uid, err)
	}
	if err := store.DeleteReferencesFrom(ctx, types.TableMetadata, uid); err != nil {
		return fmt.Errorf("failed to delete references of metadata %d: %w", uid, err)
	}
	return nil
}
