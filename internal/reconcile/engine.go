// Package reconcile drives a deduplication run: it finds duplicate file
// records, reconciles their metadata, repoints references and removes
// the duplicates together with their derived files.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/unduplicator/internal/derived"
	"github.com/steveyegge/unduplicator/internal/finder"
	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/metadata"
	"github.com/steveyegge/unduplicator/internal/references"
	"github.com/steveyegge/unduplicator/internal/storage"
	"github.com/steveyegge/unduplicator/internal/types"
)

// IndexRebuilder refreshes the reference index before a run
type IndexRebuilder interface {
	RebuildIndex(ctx context.Context) error
}

// Options configures a run
type Options struct {
	DryRun   bool
	Finder   finder.Options
	Metadata metadata.Options
	// Patterns are the embedded reference syntaxes rewritten in soft references
	Patterns []references.Pattern
	// Rebuilder, if set, refreshes the reference index first. Skipped in dry runs.
	Rebuilder IndexRebuilder
}

// Engine runs reconciliations against a record store gateway
type Engine struct {
	gw         storage.Gateway
	opts       Options
	finder     *finder.Finder
	reconciler *metadata.Reconciler
	rewriter   *references.Rewriter
	cleaner    *derived.Cleaner
	log        *logger.Logger
}

// NewEngine creates an engine. DryRun in opts overrides the dry-run flag of
// the metadata options.
func NewEngine(gw storage.Gateway, artifacts derived.ArtifactStore, opts Options, log *logger.Logger) *Engine {
	log = logger.OrNop(log)
	opts.Metadata.DryRun = opts.DryRun
	return &Engine{
		gw:         gw,
		opts:       opts,
		finder:     finder.New(gw, opts.Finder, log),
		reconciler: metadata.NewReconciler(opts.Metadata, log),
		rewriter:   references.NewRewriter(references.Options{Patterns: opts.Patterns, DryRun: opts.DryRun}, log),
		cleaner:    derived.NewCleaner(artifacts, opts.DryRun, log),
		log:        log,
	}
}

// Run reconciles every duplicate group. Groups are processed one at a time
// and every duplicate within a group in one store transaction. It returns
// an error only for failures that stop the whole run; the summary is
// returned in either case.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New().String(),
		DryRun:    e.opts.DryRun,
		StartedAt: time.Now(),
	}
	log := e.log.With("run_id", summary.RunID)
	defer func() { summary.FinishedAt = time.Now() }()

	if e.opts.Rebuilder != nil {
		if e.opts.DryRun {
			log.Info("dry run, not rebuilding reference index")
		} else {
			log.Info("rebuilding reference index")
			if err := e.opts.Rebuilder.RebuildIndex(ctx); err != nil {
				return summary, fmt.Errorf("failed to rebuild reference index: %w", err)
			}
			summary.IndexRebuilt = true
		}
	}

	found, err := e.finder.Find(ctx)
	if err != nil {
		return summary, err
	}
	summary.Groups = len(found.Groups)
	summary.DuplicatesFound = found.DuplicateCount()
	summary.Collisions = found.Collisions
	summary.EmptyIdentifiers = found.EmptyIdentifiers

	if summary.DuplicatesFound == 0 {
		log.Info("no duplicates found")
		return summary, nil
	}
	log.Info("found duplicates", "groups", summary.Groups, "duplicates", summary.DuplicatesFound)

	for _, group := range found.Groups {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := e.processGroup(ctx, log, summary, group); err != nil {
			return summary, err
		}
	}

	log.Info("reconciliation finished",
		"removed", summary.Removed, "conflicts", summary.Conflicts,
		"failed", summary.Failed, "skipped", summary.Skipped, "dry_run", summary.DryRun)
	return summary, nil
}

// processGroup merges the duplicates of one group into its master. Errors
// that only concern the group are recorded in the summary; a returned
// error aborts the run.
func (e *Engine) processGroup(ctx context.Context, log *logger.Logger, summary *Summary, group *finder.Group) error {
	log = log.With("identifier", group.Identifier, "storage", group.Storage, "master", group.Master.UID)

	master, err := metadata.LoadLanguageSet(ctx, e.gw, group.Master.UID)
	if err != nil {
		return e.groupFailure(log, summary, group, group.Master.UID, 0, err)
	}

	for i, dup := range group.Duplicates {
		report := &DuplicateReport{
			Identifier:   group.Identifier,
			Storage:      group.Storage,
			MasterUID:    group.Master.UID,
			DuplicateUID: dup.UID,
		}

		old, err := metadata.LoadLanguageSet(ctx, e.gw, dup.UID)
		if err != nil {
			return e.groupFailure(log, summary, group, dup.UID, i, err)
		}

		// the master set is updated in place; keep a copy to undo a rollback
		before := master.Clone()
		err = e.inUnit(ctx, func(store storage.Store) error {
			return e.processDuplicate(ctx, store, master, old, report)
		})
		if err != nil {
			master = before
			var updErr *references.UpdateError
			if errors.As(err, &updErr) {
				report.Status = StatusFailed
				report.Error = err.Error()
				summary.add(report)
				log.Error("reference update failed, duplicate rolled back", "duplicate", dup.UID, "error", err)
				e.skipRest(summary, group, i+1, "")
				return nil
			}
			return fmt.Errorf("failed to process duplicate %d of %q: %w", dup.UID, group.Identifier, err)
		}

		summary.add(report)
		switch report.Status {
		case StatusConflict:
			log.Warn("duplicate kept because of metadata conflicts",
				"duplicate", dup.UID, "conflicts", len(report.Metadata.Conflicts()))
		default:
			log.Info("duplicate merged into master", "duplicate", dup.UID, "dry_run", e.opts.DryRun)
		}
	}
	return nil
}

// processDuplicate runs the steps for one duplicate against store
func (e *Engine) processDuplicate(ctx context.Context, store storage.Store, master, old *metadata.LanguageSet, report *DuplicateReport) error {
	metaResult, err := e.reconciler.Reconcile(ctx, store, master, old)
	if err != nil {
		return err
	}
	report.Metadata = metaResult
	if !metaResult.SafeToDelete {
		report.Status = StatusConflict
		return nil
	}

	refs, err := e.rewriter.Rewrite(ctx, store, report.MasterUID, report.DuplicateUID)
	report.References = refs
	if err != nil {
		return err
	}

	if !e.opts.DryRun {
		if err := store.DeleteReferencesFrom(ctx, types.TableFiles, report.DuplicateUID); err != nil {
			return err
		}
		if err := store.DeleteFileRecord(ctx, report.DuplicateUID); err != nil {
			return fmt.Errorf("failed to delete file %d: %w", report.DuplicateUID, err)
		}
	}

	cleaned, err := e.cleaner.Clean(ctx, store, report.DuplicateUID)
	if err != nil {
		return err
	}
	report.Derived = cleaned
	report.Status = StatusRemoved
	return nil
}

// inUnit runs fn in a transaction, or directly against the gateway in a
// dry run where nothing is written
func (e *Engine) inUnit(ctx context.Context, fn func(store storage.Store) error) error {
	if e.opts.DryRun {
		return fn(e.gw)
	}
	return e.gw.WithTx(ctx, fn)
}

// groupFailure records a data-integrity failure for the group and skips its
// remaining duplicates. Anything else is returned and aborts the run.
func (e *Engine) groupFailure(log *logger.Logger, summary *Summary, group *finder.Group, fileUID int64, from int, err error) error {
	var dupErr *metadata.DuplicateMetadataError
	if !errors.As(err, &dupErr) {
		return err
	}

	log.Error("duplicate metadata records, skipping group", "file", fileUID, "error", err)
	summary.GroupErrors = append(summary.GroupErrors, GroupError{
		Identifier: group.Identifier,
		Storage:    group.Storage,
		FileUID:    fileUID,
		Error:      err.Error(),
	})
	e.skipRest(summary, group, from, err.Error())
	return nil
}

func (e *Engine) skipRest(summary *Summary, group *finder.Group, from int, reason string) {
	for _, dup := range group.Duplicates[from:] {
		summary.add(&DuplicateReport{
			Identifier:   group.Identifier,
			Storage:      group.Storage,
			MasterUID:    group.Master.UID,
			DuplicateUID: dup.UID,
			Status:       StatusSkipped,
			Error:        reason,
		})
	}
}
