package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/seantiz/kiln/internal/cleanup"
	"github.com/seantiz/kiln/internal/model"
)

// Names of staged entries inside a run directory.
const (
	ProgramFileName = "program" + artifactExt
	UnpackedDirName = "unpacked"
)

// StagedProgram describes a program snapshot inside a run directory.
type StagedProgram struct {
	// Path is the private copy of the program artifact.
	Path string

	// Dir is the directory the artifact was unpacked into. It is empty when
	// the artifact is not an archive.
	Dir string
}

// Stager copies a program's artifacts into an isolated run directory so that
// later changes to the artifact store cannot affect an in-flight run.
type Stager struct {
	resolver Resolver
	logger   *slog.Logger
	copy     func(src, dst string) error
}

// NewStager creates a stager backed by resolver.
func NewStager(resolver Resolver, logger *slog.Logger) *Stager {
	return &Stager{
		resolver: resolver,
		logger:   logger,
		copy:     linkOrCopy,
	}
}

// StageProgram snapshots the program artifact into dir and unpacks it when it
// is a tar.gz archive. The unpack directory is added to chain.
func (s *Stager) StageProgram(ctx context.Context, id model.ArtifactID, dir string, chain *cleanup.Chain) (StagedProgram, error) {
	src, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return StagedProgram{}, fmt.Errorf("resolve program artifact: %w", err)
	}

	staged := StagedProgram{Path: filepath.Join(dir, ProgramFileName)}
	if err := s.copy(src, staged.Path); err != nil {
		return StagedProgram{}, fmt.Errorf("snapshot program artifact: %w", err)
	}

	archive, err := isArchive(staged.Path)
	if err != nil {
		return StagedProgram{}, fmt.Errorf("inspect program artifact: %w", err)
	}
	if !archive {
		return staged, nil
	}

	staged.Dir = filepath.Join(dir, UnpackedDirName)
	chain.AddDir(staged.Dir)
	if err := extractArchive(staged.Path, staged.Dir); err != nil {
		return StagedProgram{}, fmt.Errorf("unpack program artifact: %w", err)
	}
	return staged, nil
}

// StagePlugins copies each plugin artifact into dir. Plugins whose artifacts
// map to the same file name are copied once, first declaration wins. Plugins
// without a namespace inherit namespace. It returns the staged file names in
// declaration order.
func (s *Stager) StagePlugins(ctx context.Context, namespace string, plugins []model.Plugin, dir string) ([]string, error) {
	seen := make(map[string]bool, len(plugins))
	staged := make([]string, 0, len(plugins))

	for _, p := range plugins {
		id := p.Artifact
		if id.Namespace == "" {
			id.Namespace = namespace
		}
		name := id.FileName()
		if seen[name] {
			s.logger.Debug("plugin artifact already staged", "plugin", p.Name, "file", name)
			continue
		}
		seen[name] = true

		dst := filepath.Join(dir, name)
		if filepath.Dir(dst) != filepath.Clean(dir) {
			return nil, fmt.Errorf("%w: plugin %q file %q escapes run directory", ErrNotFound, p.Name, name)
		}

		src, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve plugin %q artifact %s: %w", p.Name, id, err)
		}
		if err := s.copy(src, dst); err != nil {
			return nil, fmt.Errorf("stage plugin %q: %w", p.Name, err)
		}
		staged = append(staged, name)
	}

	if len(staged) > 0 {
		s.logger.Debug("plugin artifacts staged", "dir", dir, "count", len(staged))
	}
	return staged, nil
}
