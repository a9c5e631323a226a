package runner

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// ErrUnavailable is returned when no runner is registered for a program type.
var ErrUnavailable = errors.New("runner unavailable")

// Registry holds one runner per program type.
type Registry struct {
	mu      sync.RWMutex
	runners map[model.ProgramType]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[model.ProgramType]Runner),
	}
}

// Register sets the runner for the given program type, replacing any
// previous registration.
func (r *Registry) Register(t model.ProgramType, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[t] = rn
}

// Resolve returns the runner for t.
func (r *Registry) Resolve(t model.ProgramType) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[t]
	if !ok || rn == nil {
		return nil, fmt.Errorf("%w: no runner registered for program type %q", ErrUnavailable, t)
	}
	return rn, nil
}

// Types returns the registered program types sorted by name for a stable
// API response.
func (r *Registry) Types() []model.ProgramType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.ProgramType, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})
	return types
}
