package engine_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/store"
)

// stubRunner hands out controller.Base instances and records what it was
// asked to run.
type stubRunner struct {
	initial model.State
	err     error

	// inspect, when set, is called with the staged program before the
	// controller is created.
	inspect func(runner.Program, model.Options)

	calls atomic.Int32

	mu       sync.Mutex
	programs []runner.Program
	options  []model.Options
	ctls     map[string]*controller.Base
}

func newStubRunner() *stubRunner {
	return &stubRunner{initial: model.StateRunning, ctls: make(map[string]*controller.Base)}
}

func (s *stubRunner) Run(_ context.Context, program runner.Program, opts model.Options) (controller.Controller, error) {
	s.calls.Add(1)
	if s.inspect != nil {
		s.inspect(program, opts)
	}
	if s.err != nil {
		return nil, s.err
	}

	ctl := controller.NewBase(opts.Argument(model.OptionRunID), s.initial)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs = append(s.programs, program)
	s.options = append(s.options, opts)
	s.ctls[ctl.RunID()] = ctl
	return ctl, nil
}

func (s *stubRunner) controller(t *testing.T, runID string) *controller.Base {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl, ok := s.ctls[runID]
	if !ok {
		t.Fatalf("no controller for run %s", runID)
	}
	return ctl
}

func (s *stubRunner) lastProgram(t *testing.T) (runner.Program, model.Options) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.programs) == 0 {
		t.Fatal("runner was never invoked")
	}
	return s.programs[len(s.programs)-1], s.options[len(s.options)-1]
}

// testEnv wires an engine to a temp data dir, an FS artifact store and an
// in-memory history.
type testEnv struct {
	engine       *engine.Engine
	store        store.Store
	dataDir      string
	artifactRoot string
}

func newTestEnv(t *testing.T, runners map[model.ProgramType]runner.Runner) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := runner.NewRegistry()
	for typ, rn := range runners {
		reg.Register(typ, rn)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	root := t.TempDir()
	dataDir := t.TempDir()
	stager := artifact.NewStager(artifact.NewFSResolver(root), logger)

	return &testEnv{
		engine:       engine.NewEngine(reg, stager, s, dataDir, logger),
		store:        s,
		dataDir:      dataDir,
		artifactRoot: root,
	}
}

// publish stores content as a user-scoped artifact.
func (e *testEnv) publish(t *testing.T, id model.ArtifactID, content []byte) {
	t.Helper()
	ns := id.Namespace
	if id.Scope == model.ScopeSystem {
		ns = model.ScopeSystem
	}
	path := filepath.Join(e.artifactRoot, ns, id.Name, id.Version+".artifact")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// runDirs lists the run directories currently present under the data dir.
func (e *testEnv) runDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.dataDir, engine.TempDirName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

var testIdentity = model.ProgramIdentity{
	Namespace:   "default",
	Application: "purchases",
	Program:     "ledger",
	Type:        model.TypeWorker,
}

var testArtifact = model.ArtifactID{Namespace: "default", Scope: model.ScopeUser, Name: "purchases", Version: "1.0.0"}

// descriptor returns a descriptor for testIdentity and publishes its program
// artifact.
func (e *testEnv) descriptor(t *testing.T, plugins ...model.Plugin) model.ProgramDescriptor {
	t.Helper()
	e.publish(t, testArtifact, []byte("program"))
	return model.ProgramDescriptor{
		Identity: testIdentity,
		Artifact: testArtifact,
		Plugins:  plugins,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// scriptedController is a controller whose listener callbacks are driven
// directly by the test, with no ordering or exactly-once guarantees.
type scriptedController struct {
	runID string

	mu        sync.Mutex
	state     model.State
	listeners []controller.Listener

	closes atomic.Int32
}

func (c *scriptedController) RunID() string { return c.runID }

func (c *scriptedController) State() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *scriptedController) AddListener(l controller.Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	state := c.state
	c.mu.Unlock()
	l.Init(state, nil)
}

func (c *scriptedController) Stop(context.Context) error { return nil }

func (c *scriptedController) Close() error {
	c.closes.Add(1)
	return nil
}

// fire sets the state and invokes fn on every listener.
func (c *scriptedController) fire(state model.State, fn func(controller.Listener)) {
	c.mu.Lock()
	c.state = state
	listeners := append([]controller.Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// tarGz builds an in-memory tar.gz with the given files.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
