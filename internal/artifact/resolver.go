package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/kiln/internal/model"
)

// ErrNotFound is returned when an artifact cannot be resolved.
var ErrNotFound = errors.New("artifact not found")

// Resolver maps an artifact identity to a readable local file.
type Resolver interface {
	Resolve(ctx context.Context, id model.ArtifactID) (string, error)
}

// artifactExt is the file extension artifacts are stored under.
const artifactExt = ".artifact"

// storageKey is the relative location of an artifact inside a store. System
// artifacts live under "system" regardless of the requested namespace.
func storageKey(id model.ArtifactID) string {
	ns := id.Namespace
	if id.Scope == model.ScopeSystem {
		ns = model.ScopeSystem
	}
	return filepath.ToSlash(filepath.Join(ns, id.Name, id.Version+artifactExt))
}

// FSResolver resolves artifacts from a directory tree laid out as
// <root>/<namespace>/<name>/<version>.artifact.
type FSResolver struct {
	root string
}

// NewFSResolver creates a resolver rooted at dir.
func NewFSResolver(dir string) *FSResolver {
	return &FSResolver{root: dir}
}

// Resolve returns the path of the artifact file.
func (r *FSResolver) Resolve(_ context.Context, id model.ArtifactID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	path := filepath.Join(r.root, filepath.FromSlash(storageKey(id)))
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("stat artifact %s: %w", id, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, id)
	}
	return path, nil
}

// Compile-time interface satisfaction check.
var _ Resolver = (*FSResolver)(nil)
