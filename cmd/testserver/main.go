// testserver starts a kiln API server with stub runners for E2E testing.
// Every program type is served by a runner that completes its runs after a
// short delay, and a sample artifact is published to a temporary store.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/controller"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/store"
)

// Sample artifact published at startup: default/sample/1.0.0.
var sampleArtifact = model.ArtifactID{Namespace: "default", Scope: model.ScopeUser, Name: "sample", Version: "1.0.0"}

// stubRunner completes each run after delay. Runs whose "fail" user argument
// is set end in the error state instead.
type stubRunner struct {
	delay  time.Duration
	logger *slog.Logger
}

func (s *stubRunner) Run(_ context.Context, program runner.Program, opts model.Options) (controller.Controller, error) {
	ctl := controller.NewBase(opts.Argument(model.OptionRunID), model.StateRunning)
	s.logger.Info("stub run started", "run_id", ctl.RunID(), "program", program.Identity.String())

	time.AfterFunc(s.delay, func() {
		if msg := opts.UserArguments["fail"]; msg != "" {
			ctl.Fail(&stubError{msg: msg})
			return
		}
		ctl.Complete()
	})
	return ctl, nil
}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	root, err := os.MkdirTemp("", "kiln-testserver-")
	if err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	artifactDir := filepath.Join(root, "artifacts")
	samplePath := filepath.Join(artifactDir, sampleArtifact.Namespace, sampleArtifact.Name, sampleArtifact.Version+".artifact")
	if err := os.MkdirAll(filepath.Dir(samplePath), 0o755); err != nil {
		log.Fatalf("failed to create artifact dir: %v", err)
	}
	if err := os.WriteFile(samplePath, []byte("sample program"), 0o644); err != nil {
		log.Fatalf("failed to publish sample artifact: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	runners := runner.NewRegistry()
	stub := &stubRunner{delay: 500 * time.Millisecond, logger: logger}
	for _, t := range []model.ProgramType{model.TypeFlow, model.TypeWorker, model.TypeService, model.TypeWorkflow} {
		runners.Register(t, stub)
	}

	stager := artifact.NewStager(artifact.NewFSResolver(artifactDir), logger)
	eng := engine.NewEngine(runners, stager, db, filepath.Join(root, "data"), logger)
	srv := api.NewServer(addr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		logger.Error("failed to stop active runs", "error", err)
	}
}
