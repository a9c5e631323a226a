// Package controller defines the handle a runner returns for a launched
// program, and a reusable state machine that runners embed.
package controller

import (
	"context"

	"github.com/seantiz/kiln/internal/model"
)

// Listener observes a controller's lifecycle.
//
// Init is delivered exactly once, synchronously from AddListener, with the
// state the controller is in at that moment. At most one of Completed, Killed
// or Error follows, and only when Init reported a non-terminal state.
// Callbacks run on the goroutine that drives the transition.
type Listener interface {
	Init(state model.State, cause error)
	Completed()
	Killed()
	Error(cause error)
}

// Controller is the live handle to one running program.
type Controller interface {
	RunID() string
	State() model.State
	AddListener(l Listener)

	// Stop asks the program to terminate. The terminal transition is
	// reported to listeners, not through the return value.
	Stop(ctx context.Context) error
}
