package engine

import (
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// Registry indexes in-flight runs by program type and run ID. It is safe for
// concurrent use; readers always receive copies.
type Registry struct {
	mu   sync.RWMutex
	runs map[model.ProgramType]map[string]*RunHandle
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[model.ProgramType]map[string]*RunHandle),
	}
}

// Add inserts h. It reports false and leaves the registry unchanged if a run
// with the same type and run ID is already present.
func (r *Registry) Add(h *RunHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.runs[h.Type()]
	if !ok {
		byID = make(map[string]*RunHandle)
		r.runs[h.Type()] = byID
	}
	if _, exists := byID[h.RunID()]; exists {
		return false
	}
	byID[h.RunID()] = h
	return true
}

// Remove deletes the run and reports whether it was present.
func (r *Registry) Remove(t model.ProgramType, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.runs[t]
	if !ok {
		return false
	}
	if _, exists := byID[runID]; !exists {
		return false
	}
	delete(byID, runID)
	if len(byID) == 0 {
		delete(r.runs, t)
	}
	return true
}

// Lookup returns the run with the given ID if it belongs to id.
func (r *Registry) Lookup(id model.ProgramIdentity, runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.runs[id.Type][runID]
	if !ok || h.Identity() != id {
		return nil, false
	}
	return h, true
}

// Contains reports whether a run with the given type and ID is registered.
func (r *Registry) Contains(t model.ProgramType, runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.runs[t][runID]
	return ok
}

// List returns a copy of the runs of type t keyed by run ID.
func (r *Registry) List(t model.ProgramType) map[string]*RunHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*RunHandle, len(r.runs[t]))
	for id, h := range r.runs[t] {
		out[id] = h
	}
	return out
}

// ListByIdentity returns the runs of one program keyed by run ID.
func (r *Registry) ListByIdentity(id model.ProgramIdentity) map[string]*RunHandle {
	out := r.List(id.Type)
	for runID, h := range out {
		if h.Identity() != id {
			delete(out, runID)
		}
	}
	return out
}

// ListActive returns the runs of the given types whose controllers are not
// in a terminal state. With no types, every registered type is included.
func (r *Registry) ListActive(types ...model.ProgramType) []*RunHandle {
	r.mu.RLock()
	var handles []*RunHandle
	if len(types) == 0 {
		for _, byID := range r.runs {
			for _, h := range byID {
				handles = append(handles, h)
			}
		}
	} else {
		seen := make(map[model.ProgramType]bool, len(types))
		for _, t := range types {
			if seen[t] {
				continue
			}
			seen[t] = true
			for _, h := range r.runs[t] {
				handles = append(handles, h)
			}
		}
	}
	r.mu.RUnlock()

	// Controller state is read outside the lock.
	active := handles[:0]
	for _, h := range handles {
		if !h.State().IsTerminal() {
			active = append(active, h)
		}
	}
	return active
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, byID := range r.runs {
		n += len(byID)
	}
	return n
}
