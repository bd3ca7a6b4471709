// Package finder discovers file records that duplicate each other and picks
// the record each group is merged into.
package finder

import (
	"context"
	"fmt"

	"github.com/steveyegge/unduplicator/internal/logger"
	"github.com/steveyegge/unduplicator/internal/types"
)

// Store is the subset of the record store the finder reads
type Store interface {
	FindDuplicateIdentifierGroups(ctx context.Context, filter types.DuplicateFilter) ([]*types.IdentifierGroup, error)
	ListFilesForIdentifier(ctx context.Context, identifier string, storage int64, order types.SortOrder) ([]*types.FileRecord, error)
}

// Options configures discovery
type Options struct {
	// Identifier restricts discovery to one identifier. Empty = all.
	Identifier string
	// Storage restricts discovery to one partition. types.AllStorages = all.
	Storage int64
	// KeepOldest makes the lowest uid the master instead of the highest
	KeepOldest bool
}

// DefaultOptions returns options that scan every storage and keep the newest record
func DefaultOptions() Options {
	return Options{Storage: types.AllStorages}
}

// Order returns the uid order records are traversed in
func (o Options) Order() types.SortOrder {
	if o.KeepOldest {
		return types.SortOldestFirst
	}
	return types.SortNewestFirst
}

// Group is a set of file records with the same exact identifier and storage
type Group struct {
	Identifier string              `json:"identifier"`
	Storage    int64               `json:"storage"`
	Master     *types.FileRecord   `json:"master"`
	Duplicates []*types.FileRecord `json:"duplicates"`
}

// Collision is a record whose identifier equals a group's only when case is ignored.
// It is left alone.
type Collision struct {
	Record *types.FileRecord `json:"record"`
	// Identifier is the spelling of the candidate set the record collided with
	Identifier string `json:"identifier"`
}

// Result is the outcome of a discovery run
type Result struct {
	Groups     []*Group     `json:"groups"`
	Collisions []*Collision `json:"collisions,omitempty"`
	// Candidates counts case-insensitive identifier/storage pairs returned by the store
	Candidates int `json:"candidates"`
	// EmptyIdentifiers counts candidates or records skipped for an empty identifier
	EmptyIdentifiers int `json:"empty_identifiers,omitempty"`
}

// DuplicateCount returns the number of records that will be merged into a master
func (r *Result) DuplicateCount() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Duplicates)
	}
	return n
}

// Finder discovers duplicate groups
type Finder struct {
	store Store
	opts  Options
	log   *logger.Logger
}

// New creates a finder
func New(store Store, opts Options, log *logger.Logger) *Finder {
	return &Finder{store: store, opts: opts, log: logger.OrNop(log)}
}

// Find returns every duplicate group. The store compares identifiers
// case-insensitively; records are only grouped if their identifiers are
// byte-for-byte equal. Within a group the first record in traversal order
// is the master.
func (f *Finder) Find(ctx context.Context) (*Result, error) {
	order := f.opts.Order()
	candidates, err := f.store.FindDuplicateIdentifierGroups(ctx, types.DuplicateFilter{
		Identifier: f.opts.Identifier,
		Storage:    f.opts.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate identifiers: %w", err)
	}

	result := &Result{Candidates: len(candidates)}
	for _, c := range candidates {
		if c.Identifier == "" {
			result.EmptyIdentifiers++
			f.log.Warn("skipping files with empty identifier", "storage", c.Storage, "count", c.Count)
			continue
		}

		files, err := f.store.ListFilesForIdentifier(ctx, c.Identifier, c.Storage, order)
		if err != nil {
			return nil, fmt.Errorf("failed to list files for %q in storage %d: %w", c.Identifier, c.Storage, err)
		}

		groups, collisions, empty := partition(files)
		result.EmptyIdentifiers += empty
		for _, rec := range collisions {
			f.log.Warn("identifier differs only by case, not merging",
				"uid", rec.UID, "identifier", rec.Identifier, "storage", rec.Storage)
			result.Collisions = append(result.Collisions, &Collision{Record: rec, Identifier: c.Identifier})
		}
		for _, g := range groups {
			f.log.Debug("found duplicates",
				"identifier", g.Identifier, "storage", g.Storage,
				"master", g.Master.UID, "duplicates", len(g.Duplicates))
		}
		result.Groups = append(result.Groups, groups...)
	}

	return result, nil
}

// partition splits case-insensitively equal records by exact identifier.
// Records whose exact identifier occurs only once are collisions.
func partition(files []*types.FileRecord) (groups []*Group, collisions []*types.FileRecord, empty int) {
	byIdentifier := make(map[string]*Group)
	var order []string
	for _, rec := range files {
		if rec.Identifier == "" {
			empty++
			continue
		}
		g, ok := byIdentifier[rec.Identifier]
		if !ok {
			g = &Group{Identifier: rec.Identifier, Storage: rec.Storage, Master: rec}
			byIdentifier[rec.Identifier] = g
			order = append(order, rec.Identifier)
			continue
		}
		g.Duplicates = append(g.Duplicates, rec)
	}

	for _, id := range order {
		g := byIdentifier[id]
		if len(g.Duplicates) == 0 {
			collisions = append(collisions, g.Master)
			continue
		}
		groups = append(groups, g)
	}
	return groups, collisions, empty
}
