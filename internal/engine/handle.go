package engine

import (
	"time"

	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/model"
)

// RunHandle is the record the engine keeps for one in-flight run. It is
// immutable once built.
type RunHandle struct {
	identity  model.ProgramIdentity
	runID     string
	ctl       controller.Controller
	opts      model.Options
	startedAt time.Time
}

// NewRunHandle builds a handle. opts is snapshotted.
func NewRunHandle(identity model.ProgramIdentity, runID string, ctl controller.Controller, opts model.Options, startedAt time.Time) *RunHandle {
	return &RunHandle{
		identity:  identity,
		runID:     runID,
		ctl:       ctl,
		opts:      opts.Snapshot(),
		startedAt: startedAt,
	}
}

func (h *RunHandle) Identity() model.ProgramIdentity { return h.identity }

func (h *RunHandle) RunID() string { return h.runID }

func (h *RunHandle) Type() model.ProgramType { return h.identity.Type }

func (h *RunHandle) Controller() controller.Controller { return h.ctl }

func (h *RunHandle) StartedAt() time.Time { return h.startedAt }

// Options returns a copy of the options the run was launched with.
func (h *RunHandle) Options() model.Options { return h.opts.Snapshot() }

// State reports the controller's current state.
func (h *RunHandle) State() model.State { return h.ctl.State() }
