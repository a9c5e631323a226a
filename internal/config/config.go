package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "kiln.db"
	defaultDataDir     = "data"
	defaultArtifactDir = "artifacts"
	defaultCacheDir    = "artifact-cache"

	envConfigFile     = "KILN_CONFIG"
	envListenAddr     = "KILN_LISTEN_ADDR"
	envDBPath         = "KILN_DB_PATH"
	envLogLevel       = "KILN_LOG_LEVEL"
	envDataDir        = "KILN_DATA_DIR"
	envArtifactDir    = "KILN_ARTIFACT_DIR"
	envRunnerTypes    = "KILN_RUNNER_TYPES"
	envMinioEndpoint  = "KILN_MINIO_ENDPOINT"
	envMinioAccessKey = "KILN_MINIO_ACCESS_KEY"
	envMinioSecretKey = "KILN_MINIO_SECRET_KEY"
	envMinioRegion    = "KILN_MINIO_REGION"
	envMinioBucket    = "KILN_MINIO_BUCKET"
	envMinioUseSSL    = "KILN_MINIO_USE_SSL"
	envMinioCacheDir  = "KILN_MINIO_CACHE_DIR"
)

// Config holds application configuration. Values come from defaults, then an
// optional TOML file named by KILN_CONFIG, then environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	DataDir     string
	ArtifactDir string

	// RunnerTypes lists the program types served by the local process runner.
	RunnerTypes []model.ProgramType

	// Minio is used as the artifact store when its endpoint is set. Otherwise
	// artifacts are read from ArtifactDir.
	Minio artifact.MinioConfig
}

// UseMinio reports whether artifacts come from an S3-compatible store.
func (c Config) UseMinio() bool {
	return c.Minio.Endpoint != ""
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		DataDir:     defaultDataDir,
		ArtifactDir: defaultArtifactDir,
		RunnerTypes: []model.ProgramType{
			model.TypeFlow,
			model.TypeWorker,
			model.TypeService,
			model.TypeWorkflow,
			model.TypeCustom,
		},
	}
}

// Load builds the configuration from defaults, the KILN_CONFIG file if set,
// and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		var err error
		cfg, err = LoadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.Minio.CacheDir == "" {
		cfg.Minio.CacheDir = filepath.Join(cfg.DataDir, defaultCacheDir)
	}
	return cfg, nil
}

// fileConfig maps config.toml keys to settings.
type fileConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	DBPath      string   `toml:"db_path"`
	LogLevel    string   `toml:"log_level"`
	DataDir     string   `toml:"data_dir"`
	ArtifactDir string   `toml:"artifact_dir"`
	RunnerTypes []string `toml:"runner_types"`
	Minio       struct {
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Region    string `toml:"region"`
		Bucket    string `toml:"bucket"`
		UseSSL    bool   `toml:"use_ssl"`
		CacheDir  string `toml:"cache_dir"`
	} `toml:"minio"`
}

// LoadFile overlays the keys defined in the TOML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	cfg := base

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config file: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("artifact_dir") {
		cfg.ArtifactDir = strings.TrimSpace(raw.ArtifactDir)
	}
	if meta.IsDefined("runner_types") {
		cfg.RunnerTypes = parseTypes(raw.RunnerTypes)
	}
	if meta.IsDefined("minio", "endpoint") {
		cfg.Minio.Endpoint = strings.TrimSpace(raw.Minio.Endpoint)
	}
	if meta.IsDefined("minio", "access_key") {
		cfg.Minio.AccessKey = raw.Minio.AccessKey
	}
	if meta.IsDefined("minio", "secret_key") {
		cfg.Minio.SecretKey = raw.Minio.SecretKey
	}
	if meta.IsDefined("minio", "region") {
		cfg.Minio.Region = strings.TrimSpace(raw.Minio.Region)
	}
	if meta.IsDefined("minio", "bucket") {
		cfg.Minio.Bucket = strings.TrimSpace(raw.Minio.Bucket)
	}
	if meta.IsDefined("minio", "use_ssl") {
		cfg.Minio.UseSSL = raw.Minio.UseSSL
	}
	if meta.IsDefined("minio", "cache_dir") {
		cfg.Minio.CacheDir = strings.TrimSpace(raw.Minio.CacheDir)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envArtifactDir); v != "" {
		cfg.ArtifactDir = v
	}
	if v := os.Getenv(envRunnerTypes); v != "" {
		cfg.RunnerTypes = parseTypes(strings.Split(v, ","))
	}
	if v := os.Getenv(envMinioEndpoint); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv(envMinioAccessKey); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv(envMinioSecretKey); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv(envMinioRegion); v != "" {
		cfg.Minio.Region = v
	}
	if v := os.Getenv(envMinioBucket); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv(envMinioUseSSL); v != "" {
		cfg.Minio.UseSSL = parseBool(v)
	}
	if v := os.Getenv(envMinioCacheDir); v != "" {
		cfg.Minio.CacheDir = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parseTypes trims and de-duplicates program type names, dropping empties.
func parseTypes(names []string) []model.ProgramType {
	seen := make(map[model.ProgramType]bool, len(names))
	types := make([]model.ProgramType, 0, len(names))
	for _, n := range names {
		t := model.ProgramType(strings.ToLower(strings.TrimSpace(n)))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
