package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/cleanup"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/store"
)

// TempDirName is the directory under the data dir that holds run directories.
const TempDirName = "tmp"

var (
	// ErrRunnerUnavailable is returned when no runner serves the program type.
	ErrRunnerUnavailable = runner.ErrUnavailable

	// ErrArtifactNotFound is returned when the program or a plugin artifact
	// cannot be resolved.
	ErrArtifactNotFound = artifact.ErrNotFound

	// ErrLaunchFailed wraps the runner's error when it fails to start a run.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrInvalidOptions is returned for malformed launch requests.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrRunNotFound is returned when a run is not in the run registry.
	ErrRunNotFound = errors.New("run not found")
)

// Engine launches programs and tracks their runs.
type Engine struct {
	runners  *runner.Registry
	stager   *artifact.Stager
	registry *Registry
	store    store.Store
	broker   *EventBroker
	dataDir  string
	logger   *slog.Logger

	adoptMu sync.Mutex
}

// NewEngine creates an engine. Run directories are created under
// <dataDir>/tmp.
func NewEngine(runners *runner.Registry, stager *artifact.Stager, s store.Store, dataDir string, logger *slog.Logger) *Engine {
	return &Engine{
		runners:  runners,
		stager:   stager,
		registry: NewRegistry(),
		store:    s,
		broker:   NewEventBroker(),
		dataDir:  dataDir,
		logger:   logger,
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Runners returns the program types that can be launched.
func (e *Engine) Runners() []model.ProgramType {
	return e.runners.Types()
}

// Run launches a program. It returns once the runner has started the run and
// the run is being monitored; the run itself may already have finished.
//
// On any failure every resource acquired so far is released and the runner
// has either not been invoked or has reported that it failed.
func (e *Engine) Run(ctx context.Context, desc model.ProgramDescriptor, opts model.Options) (*RunHandle, error) {
	start := time.Now()
	id := desc.Identity
	typ := string(id.Type)

	if err := validateIdentity(id); err != nil {
		runsLaunched.WithLabelValues(typ, resultInvalidOptions).Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := validateArtifacts(desc); err != nil {
		runsLaunched.WithLabelValues(typ, resultInvalidOptions).Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	rn, err := e.runners.Resolve(id.Type)
	if err != nil {
		runsLaunched.WithLabelValues(typ, resultRunnerUnavailable).Inc()
		return nil, err
	}

	logicalStart, err := logicalStartTime(opts, start)
	if err != nil {
		runsLaunched.WithLabelValues(typ, resultInvalidOptions).Inc()
		return nil, err
	}

	runID := model.NewRunID()
	opts = opts.With(map[string]string{
		model.OptionRunID:            runID,
		model.OptionLogicalStartTime: strconv.FormatInt(logicalStart, 10),
	})

	logger := e.logger.With("run_id", runID, "program", id.String())
	chain := cleanup.New(logger)

	h, err := e.launch(ctx, rn, desc, runID, opts, chain, logger, start)
	if err != nil {
		if cerr := chain.Run(); cerr != nil {
			logger.Warn("cleanup after failed launch incomplete", "error", cerr)
		}
		runsLaunched.WithLabelValues(typ, launchResult(err)).Inc()
		logger.Warn("launch failed", "error", err)
		return nil, err
	}

	runsLaunched.WithLabelValues(typ, resultSuccess).Inc()
	launchDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	logger.Info("run launched", "state", h.State(), "work_dir", opts.Argument(model.OptionWorkDir))
	return h, nil
}

// launch stages the program, starts it, and attaches the monitor. Resources
// are appended to chain; the caller runs the chain if launch fails.
func (e *Engine) launch(ctx context.Context, rn runner.Runner, desc model.ProgramDescriptor, runID string, opts model.Options, chain *cleanup.Chain, logger *slog.Logger, start time.Time) (*RunHandle, error) {
	id := desc.Identity

	workDir := filepath.Join(e.dataDir, TempDirName, RunDirName(id, runID))
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.Mkdir(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	chain.AddDir(workDir)
	opts = opts.With(map[string]string{model.OptionWorkDir: workDir})

	programArtifact := desc.Artifact
	if programArtifact.Namespace == "" {
		programArtifact.Namespace = id.Namespace
	}
	staged, err := e.stager.StageProgram(ctx, programArtifact, workDir, chain)
	if err != nil {
		return nil, artifactError(err)
	}

	plugins, err := e.stager.StagePlugins(ctx, id.Namespace, desc.Plugins, workDir)
	if err != nil {
		return nil, artifactError(err)
	}
	if len(plugins) > 0 {
		opts = opts.With(map[string]string{model.OptionPluginDir: workDir})
	} else {
		opts = opts.Without(model.OptionPluginDir)
	}

	ctl, err := rn.Run(ctx, runner.Program{
		Identity: id,
		Artifact: programArtifact,
		Path:     staged.Path,
		Dir:      staged.Dir,
		WorkDir:  workDir,
		Plugins:  plugins,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	if ctl == nil {
		return nil, fmt.Errorf("%w: runner returned no controller", ErrLaunchFailed)
	}
	if ctl.RunID() != runID {
		logger.Warn("controller reports a different run id", "controller_run_id", ctl.RunID())
	}

	h := NewRunHandle(id, runID, ctl, opts, start)
	if c, ok := ctl.(io.Closer); ok {
		chain.Add(cleanup.Handle{Name: "controller", Closer: c})
	}

	e.recordStart(h, logger)
	ctl.AddListener(newMonitor(e, h, chain, logger))
	return h, nil
}

// Adopt starts tracking a run that was launched elsewhere, such as a run
// rediscovered after a restart. It reports false if the run is already
// tracked. Adopted runs own no staged resources.
func (e *Engine) Adopt(h *RunHandle) bool {
	e.adoptMu.Lock()
	defer e.adoptMu.Unlock()

	if e.registry.Contains(h.Type(), h.RunID()) {
		return false
	}

	logger := e.logger.With("run_id", h.RunID(), "program", h.Identity().String())
	e.recordStart(h, logger)
	h.Controller().AddListener(newMonitor(e, h, cleanup.New(logger), logger))
	logger.Info("run adopted", "state", h.State())
	return true
}

// Stop asks the run's controller to stop. The registry entry is removed by
// the monitor once the controller reports a terminal state.
func (e *Engine) Stop(ctx context.Context, id model.ProgramIdentity, runID string) error {
	h, ok := e.registry.Lookup(id, runID)
	if !ok {
		return ErrRunNotFound
	}
	if err := h.Controller().Stop(ctx); err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	return nil
}

// Shutdown stops every tracked run concurrently and waits for the stops to
// return.
func (e *Engine) Shutdown(ctx context.Context) error {
	active := e.registry.ListActive()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range active {
		wg.Go(func() {
			if err := h.Controller().Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop run %s: %w", h.RunID(), err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(active) > 0 {
		e.logger.Info("stopped active runs", "count", len(active), "failed", len(errs))
	}
	return errors.Join(errs...)
}

// Lookup returns the tracked run with the given ID if it belongs to id.
func (e *Engine) Lookup(id model.ProgramIdentity, runID string) (*RunHandle, bool) {
	return e.registry.Lookup(id, runID)
}

// List returns the tracked runs of type t keyed by run ID.
func (e *Engine) List(t model.ProgramType) map[string]*RunHandle {
	return e.registry.List(t)
}

// ListByIdentity returns the tracked runs of one program keyed by run ID.
func (e *Engine) ListByIdentity(id model.ProgramIdentity) map[string]*RunHandle {
	return e.registry.ListByIdentity(id)
}

// ListActive returns tracked runs of the given types that are not terminal.
func (e *Engine) ListActive(types ...model.ProgramType) []*RunHandle {
	return e.registry.ListActive(types...)
}

// IsRunning reports whether the run is tracked and not terminal.
func (e *Engine) IsRunning(id model.ProgramIdentity, runID string) bool {
	h, ok := e.registry.Lookup(id, runID)
	return ok && !h.State().IsTerminal()
}

// publish fans ev out to subscribers and appends it to the run history.
func (e *Engine) publish(ev model.RunEvent) {
	e.broker.Publish(ev)

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := e.store.InsertRunEvent(ctx, ev); err != nil {
		e.logger.Warn("failed to record run event", "run_id", ev.RunID, "error", err)
	}
}

func (e *Engine) recordStart(h *RunHandle, logger *slog.Logger) {
	status := h.State()
	if status.IsTerminal() || status == "" {
		status = model.StateRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	id := h.Identity()
	if err := e.store.RecordStart(ctx, &model.RunRecord{
		RunID:       h.RunID(),
		Type:        id.Type,
		Namespace:   id.Namespace,
		Application: id.Application,
		Program:     id.Program,
		Status:      status,
		StartedAt:   h.StartedAt().UTC(),
	}); err != nil {
		logger.Warn("failed to record run start", "error", err)
	}
}

// RunDirName is the name of a run's private directory.
func RunDirName(id model.ProgramIdentity, runID string) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", id.Type, id.Namespace, id.Application, id.Program, runID)
}

// logicalStartTime returns the logical start time in milliseconds since the
// epoch, defaulting to now.
func logicalStartTime(opts model.Options, now time.Time) (int64, error) {
	raw := opts.Argument(model.OptionLogicalStartTime)
	if raw == "" {
		return now.UnixMilli(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: %s must be milliseconds since the epoch, got %q", ErrInvalidOptions, model.OptionLogicalStartTime, raw)
	}
	return ms, nil
}

// validateIdentity requires every component to be set and usable as part of
// a directory name.
func validateIdentity(id model.ProgramIdentity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	for _, part := range []string{string(id.Type), id.Namespace, id.Application, id.Program} {
		if err := model.CheckSegment("identity component", part); err != nil {
			return err
		}
	}
	return nil
}

// validateArtifacts checks the program artifact and every plugin artifact,
// after namespace inheritance, so that no staged file can land outside the
// run directory.
func validateArtifacts(desc model.ProgramDescriptor) error {
	program := desc.Artifact
	if program.Namespace == "" {
		program.Namespace = desc.Identity.Namespace
	}
	if err := program.Validate(); err != nil {
		return fmt.Errorf("program artifact: %w", err)
	}
	for _, p := range desc.Plugins {
		a := p.Artifact
		if a.Namespace == "" {
			a.Namespace = desc.Identity.Namespace
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("plugin %q: %w", p.Name, err)
		}
	}
	return nil
}

// artifactError reports every staging failure as a missing artifact.
func artifactError(err error) error {
	if errors.Is(err, ErrArtifactNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
}

func launchResult(err error) string {
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		return resultArtifactNotFound
	case errors.Is(err, ErrInvalidOptions):
		return resultInvalidOptions
	default:
		return resultLaunchFailed
	}
}
