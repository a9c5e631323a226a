package runner

import (
	"context"

	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/model"
)

// Runner launches staged programs of one program type.
type Runner interface {
	// Run starts program with the given options and returns its controller.
	// The controller may already be in a terminal state when Run returns.
	Run(ctx context.Context, program Program, opts model.Options) (controller.Controller, error)
}

// Program is a program staged into a private run directory.
type Program struct {
	Identity model.ProgramIdentity
	Artifact model.ArtifactID

	// Path is the run's private snapshot of the program artifact.
	Path string

	// Dir holds the unpacked artifact contents, or is empty when the
	// artifact is not an archive.
	Dir string

	// WorkDir is the run's temporary working directory. Staged plugin
	// artifacts live directly inside it.
	WorkDir string

	// Plugins lists the staged plugin file names inside WorkDir.
	Plugins []string
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, program Program, opts model.Options) (controller.Controller, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, program Program, opts model.Options) (controller.Controller, error) {
	return f(ctx, program, opts)
}
