package cleanup

import (
	"fmt"
	"io"
)

// Resource kinds, used as metric labels and in log lines.
const (
	KindDir       = "dir"
	KindHandle    = "handle"
	KindFinalizer = "finalizer"
)

// Resource is one scoped resource held by a run. The set of implementations
// is closed: Dir, Handle and Finalizer.
type Resource interface {
	Kind() string
	fmt.Stringer
	sealed()
}

// Dir is a filesystem path removed on release. Directories are removed
// recursively; a plain file is deleted.
type Dir struct {
	Path string
}

func (Dir) Kind() string     { return KindDir }
func (d Dir) String() string { return d.Path }
func (Dir) sealed()          {}

// Handle is a closeable resource such as a controller holding process state.
type Handle struct {
	Name   string
	Closer io.Closer
}

func (Handle) Kind() string     { return KindHandle }
func (h Handle) String() string { return h.Name }
func (Handle) sealed()          {}

// Finalizer runs an arbitrary release action.
type Finalizer struct {
	Name string
	Fn   func() error
}

func (Finalizer) Kind() string     { return KindFinalizer }
func (f Finalizer) String() string { return f.Name }
func (Finalizer) sealed()          {}
