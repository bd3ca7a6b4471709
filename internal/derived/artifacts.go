package derived

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/steveyegge/unduplicator/internal/types"
)

// ArtifactStore removes the files backing derived records
type ArtifactStore interface {
	// ArtifactExists reports whether the artifact is present
	ArtifactExists(ctx context.Context, storage *types.Storage, identifier string) (bool, error)
	// DeleteArtifact removes the artifact and prunes directories left empty,
	// up to but not including the storage root. Returns false if the
	// artifact was already gone.
	DeleteArtifact(ctx context.Context, storage *types.Storage, identifier string) (bool, error)
}

// FSArtifactStore resolves storages to directories below a public root.
// A storage's base path is relative to PublicPath.
type FSArtifactStore struct {
	fs         afero.Fs
	publicPath string
}

// NewFSArtifactStore creates an artifact store on fs
func NewFSArtifactStore(fs afero.Fs, publicPath string) *FSArtifactStore {
	return &FSArtifactStore{fs: fs, publicPath: publicPath}
}

// NewOSArtifactStore creates an artifact store on the local filesystem
func NewOSArtifactStore(publicPath string) *FSArtifactStore {
	return NewFSArtifactStore(afero.NewOsFs(), publicPath)
}

// resolve returns the storage root and the artifact path. The path must
// stay inside the root.
func (s *FSArtifactStore) resolve(storage *types.Storage, identifier string) (root, path string, err error) {
	root = filepath.Clean(filepath.Join(s.publicPath, storage.BasePath))
	path = filepath.Join(root, filepath.FromSlash(identifier))
	if !within(root, path) || path == root {
		return "", "", fmt.Errorf("artifact %q escapes storage root %s", identifier, root)
	}
	return root, path, nil
}

// ArtifactExists reports whether the artifact is present
func (s *FSArtifactStore) ArtifactExists(_ context.Context, storage *types.Storage, identifier string) (bool, error) {
	_, path, err := s.resolve(storage, identifier)
	if err != nil {
		return false, err
	}
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return exists, nil
}

// DeleteArtifact removes the artifact and prunes empty parent directories
func (s *FSArtifactStore) DeleteArtifact(_ context.Context, storage *types.Storage, identifier string) (bool, error) {
	root, path, err := s.resolve(storage, identifier)
	if err != nil {
		return false, err
	}

	if err := s.fs.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", path, err)
	}

	if err := s.prune(root, filepath.Dir(path)); err != nil {
		return true, err
	}
	return true, nil
}

// prune removes dir and its ancestors while they are empty, stopping at root
func (s *FSArtifactStore) prune(root, dir string) error {
	for dir != root && within(root, dir) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				dir = filepath.Dir(dir)
				continue
			}
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := s.fs.Remove(dir); err != nil {
			return fmt.Errorf("failed to remove empty directory %s: %w", dir, err)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
