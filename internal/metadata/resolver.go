package metadata

import (
	"context"
	"fmt"
)

// Resolution is the answer to a metadata conflict
type Resolution string

const (
	// ResolveKeepOld copies the duplicate's metadata onto the master
	ResolveKeepOld Resolution = "keep-old"
	// ResolveKeepMaster keeps the master's metadata and drops the duplicate's
	ResolveKeepMaster Resolution = "keep-master"
	// ResolveSkip leaves both records alone; the duplicate file is not deleted
	ResolveSkip Resolution = "skip"
)

// IsValid checks if the resolution value is valid
func (r Resolution) IsValid() bool {
	switch r {
	case ResolveKeepOld, ResolveKeepMaster, ResolveSkip:
		return true
	}
	return false
}

// ConflictResolver decides a conflict that no force policy covers.
// A nil resolver means non-interactive operation: every conflict is kept.
type ConflictResolver interface {
	Resolve(ctx context.Context, d *Decision) (Resolution, error)
}

// ResolverFunc adapts a function to ConflictResolver
type ResolverFunc func(ctx context.Context, d *Decision) (Resolution, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, d *Decision) (Resolution, error) {
	return f(ctx, d)
}

// FixedResolver answers every conflict with the same resolution
func FixedResolver(r Resolution) ConflictResolver {
	return ResolverFunc(func(context.Context, *Decision) (Resolution, error) {
		return r, nil
	})
}

func resolve(ctx context.Context, resolver ConflictResolver, d *Decision) (Resolution, error) {
	res, err := resolver.Resolve(ctx, d)
	if err != nil {
		return "", fmt.Errorf("failed to resolve conflict for metadata %d (language %d): %w",
			d.OldUID(), d.LanguageUID(), err)
	}
	if !res.IsValid() {
		return "", fmt.Errorf("conflict resolver returned invalid resolution %q", res)
	}
	return res, nil
}
