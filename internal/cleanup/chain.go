package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Chain is an ordered, append-only list of resources owned by one run.
// It is safe for concurrent use.
type Chain struct {
	logger *slog.Logger

	mu        sync.Mutex
	resources []Resource
	ran       bool
	once      sync.Once
}

// New creates an empty chain. Release failures are logged to logger.
func New(logger *slog.Logger) *Chain {
	return &Chain{logger: logger}
}

// Add appends r to the chain. If the chain has already run, r is released
// immediately so that it cannot leak.
func (c *Chain) Add(r Resource) {
	if isNil(r) {
		return
	}

	c.mu.Lock()
	if !c.ran {
		c.resources = append(c.resources, r)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Warn("resource added after cleanup ran, releasing now", "kind", r.Kind(), "resource", r.String())
	if err := c.release(r); err != nil {
		c.logger.Warn("cleanup resource failed", "kind", r.Kind(), "resource", r.String(), "error", err)
	}
}

// AddDir appends a directory resource.
func (c *Chain) AddDir(path string) {
	c.Add(Dir{Path: path})
}

// Len returns the number of resources waiting to be released.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Done reports whether Run has been called.
func (c *Chain) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ran
}

// Run releases every resource in reverse append order. Only the first call
// does any work; later calls return nil. A failure to release one resource
// is logged and does not stop the rest. The returned error joins all
// failures and is informational only.
func (c *Chain) Run() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.ran = true
		resources := c.resources
		c.resources = nil
		c.mu.Unlock()

		var errs []error
		for i := len(resources) - 1; i >= 0; i-- {
			r := resources[i]
			if relErr := c.release(r); relErr != nil {
				cleanupFailures.WithLabelValues(r.Kind()).Inc()
				c.logger.Warn("cleanup resource failed", "kind", r.Kind(), "resource", r.String(), "error", relErr)
				errs = append(errs, fmt.Errorf("release %s %s: %w", r.Kind(), r.String(), relErr))
				continue
			}
			resourcesReleased.WithLabelValues(r.Kind()).Inc()
		}
		err = errors.Join(errs...)
	})
	return err
}

// release frees a single resource, converting a panic into an error.
func (c *Chain) release(r Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	switch v := r.(type) {
	case Dir:
		return os.RemoveAll(v.Path)
	case Handle:
		return v.Closer.Close()
	case Finalizer:
		return v.Fn()
	default:
		return fmt.Errorf("unknown resource type %T", r)
	}
}

func isNil(r Resource) bool {
	switch v := r.(type) {
	case nil:
		return true
	case Dir:
		return v.Path == ""
	case Handle:
		return v.Closer == nil
	case Finalizer:
		return v.Fn == nil
	}
	return false
}
