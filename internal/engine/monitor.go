package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/cleanup"
	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/model"
)

// historyTimeout bounds each best-effort write to the run history.
const historyTimeout = 5 * time.Second

// monitor keeps the run registry in step with one controller and releases the
// run's resources when the controller reports a terminal state. Callbacks run
// on the controller's goroutine.
type monitor struct {
	engine *Engine
	handle *RunHandle
	chain  *cleanup.Chain
	logger *slog.Logger

	added    atomic.Bool
	finished atomic.Bool
}

func newMonitor(e *Engine, h *RunHandle, chain *cleanup.Chain, logger *slog.Logger) *monitor {
	return &monitor{
		engine: e,
		handle: h,
		chain:  chain,
		logger: logger,
	}
}

// Init registers the run while it is live. A run that is already terminal is
// finished without ever being registered.
func (m *monitor) Init(state model.State, cause error) {
	if state.IsTerminal() {
		m.finish(state, cause)
		return
	}

	if !m.engine.registry.Add(m.handle) {
		m.logger.Warn("run already registered, monitor will not track it")
		return
	}
	m.added.Store(true)
	runsActive.WithLabelValues(string(m.handle.Type())).Inc()

	// A terminal callback that raced ahead of registration has already
	// skipped removal.
	if m.finished.Load() {
		m.remove()
		return
	}

	m.engine.publish(model.RunEvent{RunID: m.handle.RunID(), State: state, Time: time.Now().UTC()})
}

func (m *monitor) Completed() {
	m.finish(model.StateCompleted, nil)
}

func (m *monitor) Killed() {
	m.finish(model.StateKilled, nil)
}

func (m *monitor) Error(cause error) {
	m.finish(model.StateError, cause)
}

// finish runs once per run no matter how many terminal callbacks arrive.
func (m *monitor) finish(state model.State, cause error) {
	if !m.finished.CompareAndSwap(false, true) {
		m.logger.Debug("duplicate terminal callback ignored", "state", state)
		return
	}

	if m.added.Load() {
		m.remove()
	}

	if err := m.chain.Run(); err != nil {
		m.logger.Warn("run cleanup incomplete", "error", err)
	}

	ev := model.RunEvent{RunID: m.handle.RunID(), State: state, Time: time.Now().UTC()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	m.engine.publish(ev)
	m.engine.broker.Close(m.handle.RunID())
	m.recordStop(ev)

	runsFinished.WithLabelValues(string(m.handle.Type()), string(state)).Inc()
	m.logger.Info("run finished",
		"state", state,
		"duration_ms", ev.Time.Sub(m.handle.StartedAt()).Milliseconds(),
		"error", ev.Error,
	)
}

func (m *monitor) remove() {
	if m.engine.registry.Remove(m.handle.Type(), m.handle.RunID()) {
		runsActive.WithLabelValues(string(m.handle.Type())).Dec()
	}
}

func (m *monitor) recordStop(ev model.RunEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := m.engine.store.RecordStop(ctx, ev.RunID, ev.State, ev.Error, ev.Time); err != nil {
		m.logger.Warn("failed to record run stop", "error", err)
	}
}

// Compile-time interface satisfaction check.
var _ controller.Listener = (*monitor)(nil)
