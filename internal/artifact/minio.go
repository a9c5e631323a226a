package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/model"
)

// MinioConfig holds the connection settings for an S3-compatible artifact store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	CacheDir  string
}

// Validate checks that the settings needed to reach the store are present.
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return errors.New("cache dir is required")
	}
	return nil
}

// downloadTimeout bounds a single artifact download.
const downloadTimeout = 10 * time.Minute

// ObjectFetcher downloads an object to a local file. *minio.Client satisfies it.
type ObjectFetcher interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// MinioResolver resolves artifacts by downloading them from a bucket into a
// local cache. Artifacts are immutable once published, so a cached file is
// reused without revalidation. Concurrent requests for the same artifact
// share a single download.
type MinioResolver struct {
	client   ObjectFetcher
	bucket   string
	cacheDir string
	logger   *slog.Logger
	group    singleflight.Group
}

// NewMinioClient builds a MinIO client from cfg.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// NewMinioResolver creates a resolver that fetches from bucket via client.
func NewMinioResolver(client ObjectFetcher, bucket, cacheDir string, logger *slog.Logger) (*MinioResolver, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact cache dir: %w", err)
	}
	return &MinioResolver{
		client:   client,
		bucket:   bucket,
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

// Resolve returns the cached path of the artifact, downloading it first if
// needed.
func (r *MinioResolver) Resolve(ctx context.Context, id model.ArtifactID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	key := storageKey(id)
	local := filepath.Join(r.cacheDir, filepath.FromSlash(key))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	// The download is shared by every concurrent caller, so it is not bound
	// to the first caller's cancellation.
	ch := r.group.DoChan(key, func() (any, error) {
		if _, err := os.Stat(local); err == nil {
			return nil, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
		defer cancel()
		return nil, r.download(dctx, key, local)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("fetch artifact %s: %w", id, res.Err)
		}
		return local, nil
	case <-ctx.Done():
		return "", fmt.Errorf("fetch artifact %s: %w", id, ctx.Err())
	}
}

// download fetches key into a temp file next to dst and renames it into
// place so readers never observe a partial file.
func (r *MinioResolver) download(ctx context.Context, key, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.part", dst, model.NewRunID())

	start := time.Now()
	if err := r.client.FGetObject(ctx, r.bucket, key, tmp, minio.GetObjectOptions{}); err != nil {
		os.Remove(tmp)
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, r.bucket, key)
		}
		return fmt.Errorf("download %s/%s: %w", r.bucket, key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move downloaded artifact: %w", err)
	}

	r.logger.Debug("artifact downloaded",
		"bucket", r.bucket,
		"key", key,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Resolver      = (*MinioResolver)(nil)
	_ ObjectFetcher = (*minio.Client)(nil)
)
