package controller

import (
	"context"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// Base is a thread-safe controller state machine. Runners embed it and call
// Transition as the underlying execution progresses.
//
// Listener delivery is serialized: a listener added concurrently with a
// terminal transition sees either Init(terminal) or Init(non-terminal)
// followed by the terminal callback, never the callback before Init.
// Listeners must not call AddListener or Transition from a callback.
type Base struct {
	runID string

	deliverMu sync.Mutex

	mu        sync.Mutex
	state     model.State
	cause     error
	listeners []Listener
	done      chan struct{}
}

// NewBase creates a controller for runID in the given initial state.
func NewBase(runID string, initial model.State) *Base {
	b := &Base{
		runID: runID,
		state: initial,
		done:  make(chan struct{}),
	}
	if initial.IsTerminal() {
		close(b.done)
	}
	return b
}

// RunID returns the run this controller drives.
func (b *Base) RunID() string {
	return b.runID
}

// State returns the current state.
func (b *Base) State() model.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cause returns the error recorded with the last transition, if any.
func (b *Base) Cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// Done is closed once the controller reaches a terminal state and every
// listener has been notified.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

// AddListener attaches l and delivers Init with the current state before
// returning.
func (b *Base) AddListener(l Listener) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	state, cause := b.state, b.cause
	if !state.IsTerminal() {
		b.listeners = append(b.listeners, l)
	}
	b.mu.Unlock()

	l.Init(state, cause)
}

// Transition moves the controller to state to. Transitions out of a terminal
// state are ignored and report false. Entering a terminal state notifies
// every listener once, on the calling goroutine, before Done is closed.
func (b *Base) Transition(to model.State, cause error) bool {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.state.IsTerminal() {
		b.mu.Unlock()
		return false
	}
	b.state = to
	b.cause = cause
	terminal := to.IsTerminal()
	var listeners []Listener
	if terminal {
		listeners = b.listeners
		b.listeners = nil
	}
	b.mu.Unlock()

	for _, l := range listeners {
		notify(l, to, cause)
	}
	if terminal {
		close(b.done)
	}
	return true
}

// Complete moves the controller to completed.
func (b *Base) Complete() bool {
	return b.Transition(model.StateCompleted, nil)
}

// Kill moves the controller to killed.
func (b *Base) Kill() bool {
	return b.Transition(model.StateKilled, nil)
}

// Fail moves the controller to error with the given cause.
func (b *Base) Fail(cause error) bool {
	return b.Transition(model.StateError, cause)
}

// Stop kills the controller. Runners that own a real process override it.
func (b *Base) Stop(_ context.Context) error {
	b.Kill()
	return nil
}

func notify(l Listener, state model.State, cause error) {
	switch state {
	case model.StateCompleted:
		l.Completed()
	case model.StateKilled:
		l.Killed()
	case model.StateError:
		l.Error(cause)
	}
}

// Compile-time interface satisfaction check.
var _ Controller = (*Base)(nil)
