package model

import (
	"fmt"
	"maps"
	"strings"
)

// ProgramType classifies an executable unit. Each type is served by one runner.
type ProgramType string

// Known program types.
const (
	TypeFlow     ProgramType = "flow"
	TypeWorker   ProgramType = "worker"
	TypeService  ProgramType = "service"
	TypeWorkflow ProgramType = "workflow"
	TypeCustom   ProgramType = "custom"
)

// ProgramIdentity names what to run. It is comparable and immutable.
type ProgramIdentity struct {
	Namespace   string      `json:"namespace"`
	Application string      `json:"application"`
	Program     string      `json:"program"`
	Type        ProgramType `json:"type"`
}

func (p ProgramIdentity) String() string {
	return fmt.Sprintf("%s:%s.%s.%s", p.Type, p.Namespace, p.Application, p.Program)
}

// Validate reports whether every component of the identity is set.
func (p ProgramIdentity) Validate() error {
	switch {
	case p.Type == "":
		return fmt.Errorf("program type is required")
	case p.Namespace == "":
		return fmt.Errorf("namespace is required")
	case p.Application == "":
		return fmt.Errorf("application is required")
	case p.Program == "":
		return fmt.Errorf("program name is required")
	}
	return nil
}

// Artifact scopes.
const (
	ScopeSystem = "system"
	ScopeUser   = "user"
)

// ArtifactID names a resolvable binary dependency.
type ArtifactID struct {
	Namespace string `json:"namespace"`
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

func (a ArtifactID) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", a.Namespace, a.Scope, a.Name, a.Version)
}

// Validate reports whether the artifact id can be used to build store keys
// and staged file names. Every component is used as a single path segment.
func (a ArtifactID) Validate() error {
	switch a.Scope {
	case "", ScopeUser, ScopeSystem:
	default:
		return fmt.Errorf("unknown artifact scope %q", a.Scope)
	}
	for _, c := range []struct{ field, value string }{
		{"artifact namespace", a.Namespace},
		{"artifact name", a.Name},
		{"artifact version", a.Version},
	} {
		if err := CheckSegment(c.field, c.value); err != nil {
			return err
		}
	}
	return nil
}

// CheckSegment rejects values that are empty or cannot be used as a single
// path segment.
func CheckSegment(field, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%s is required", field)
	case value == "." || value == "..", strings.ContainsAny(value, `/\`):
		return fmt.Errorf("invalid %s %q", field, value)
	}
	return nil
}

// FileName is the name an artifact gets when staged into a run directory.
// Two artifacts with the same scope, name and version share a file name.
func (a ArtifactID) FileName() string {
	scope := a.Scope
	if scope == "" {
		scope = ScopeUser
	}
	return fmt.Sprintf("%s-%s-%s.artifact", scope, a.Name, a.Version)
}

// Plugin is a named dependency declared by a program.
type Plugin struct {
	Name     string     `json:"name"`
	Artifact ArtifactID `json:"artifact"`
}

// ProgramDescriptor is everything the orchestrator needs to launch a program.
type ProgramDescriptor struct {
	Identity ProgramIdentity `json:"identity"`
	Artifact ArtifactID      `json:"artifact"`
	Plugins  []Plugin        `json:"plugins,omitempty"`
}

// Reserved system argument keys.
const (
	OptionRunID            = "runId"
	OptionLogicalStartTime = "logical.start.time"
	OptionPluginDir        = "pluginDir"
	OptionWorkDir          = "workDir"
)

// Options are the arguments a program is launched with.
type Options struct {
	Name          string            `json:"name"`
	Arguments     map[string]string `json:"arguments,omitempty"`
	UserArguments map[string]string `json:"user_arguments,omitempty"`
	Debug         bool              `json:"debug"`
}

// Snapshot returns a deep copy of o. Mutating the copy never affects o.
func (o Options) Snapshot() Options {
	cp := Options{
		Name:          o.Name,
		Arguments:     make(map[string]string, len(o.Arguments)),
		UserArguments: make(map[string]string, len(o.UserArguments)),
		Debug:         o.Debug,
	}
	maps.Copy(cp.Arguments, o.Arguments)
	maps.Copy(cp.UserArguments, o.UserArguments)
	return cp
}

// With returns a snapshot of o with the given system arguments merged in.
func (o Options) With(args map[string]string) Options {
	cp := o.Snapshot()
	maps.Copy(cp.Arguments, args)
	return cp
}

// Without returns a snapshot of o with the given system arguments removed.
func (o Options) Without(keys ...string) Options {
	cp := o.Snapshot()
	for _, k := range keys {
		delete(cp.Arguments, k)
	}
	return cp
}

// Argument returns a system argument value.
func (o Options) Argument(key string) string {
	return o.Arguments[key]
}
