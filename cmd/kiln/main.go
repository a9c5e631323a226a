package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/runner"
	"github.com/seantiz/kiln/internal/runner/process"
	"github.com/seantiz/kiln/internal/store"
)

// stopRunsTimeout bounds how long shutdown waits for active runs to stop.
const stopRunsTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir,
		"runner_types", cfg.RunnerTypes,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	resolver, err := newResolver(cfg, logger)
	if err != nil {
		log.Fatalf("failed to configure artifact store: %v", err)
	}

	runners := runner.NewRegistry()
	proc := process.New(logger)
	for _, t := range cfg.RunnerTypes {
		runners.Register(t, proc)
	}

	eng := engine.NewEngine(runners, artifact.NewStager(resolver, logger), db, cfg.DataDir, logger)
	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopRunsTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("failed to stop active runs", "error", err)
	}
}

// newResolver picks the MinIO artifact store when configured and the local
// artifact directory otherwise.
func newResolver(cfg config.Config, logger *slog.Logger) (artifact.Resolver, error) {
	if !cfg.UseMinio() {
		logger.Info("artifact store: local directory", "dir", cfg.ArtifactDir)
		return artifact.NewFSResolver(cfg.ArtifactDir), nil
	}

	client, err := artifact.NewMinioClient(cfg.Minio)
	if err != nil {
		return nil, err
	}
	logger.Info("artifact store: minio", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	return artifact.NewMinioResolver(client, cfg.Minio.Bucket, cfg.Minio.CacheDir, logger)
}
