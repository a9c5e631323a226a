package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/seantiz/kiln/internal/model"
)

func TestFSResolverResolves(t *testing.T) {
	root := t.TempDir()
	id := model.ArtifactID{Namespace: "default", Scope: model.ScopeUser, Name: "etl", Version: "1.0.0"}
	want := publish(t, root, id, []byte("bin"))

	got, err := NewFSResolver(root).Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

func TestFSResolverSystemScopeIgnoresNamespace(t *testing.T) {
	root := t.TempDir()
	published := model.ArtifactID{Namespace: "anything", Scope: model.ScopeSystem, Name: "core", Version: "2"}
	publish(t, root, published, []byte("core"))

	requested := published
	requested.Namespace = "tenant-a"
	if _, err := NewFSResolver(root).Resolve(context.Background(), requested); err != nil {
		t.Errorf("Resolve system artifact from other namespace: %v", err)
	}
}

func TestFSResolverNotFound(t *testing.T) {
	r := NewFSResolver(t.TempDir())

	tests := []model.ArtifactID{
		{Namespace: "default", Name: "missing", Version: "1"},
		{Namespace: "default", Name: "", Version: "1"},
		{Namespace: "default", Name: "x", Version: ""},
	}
	for _, id := range tests {
		_, err := r.Resolve(context.Background(), id)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%v) error = %v, want ErrNotFound", id, err)
		}
	}
}

// fakeFetcher serves objects from a map, counting downloads.
type fakeFetcher struct {
	objects map[string][]byte
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeFetcher) FGetObject(ctx context.Context, _, object, filePath string, _ minio.GetObjectOptions) error {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	body, ok := f.objects[object]
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404, Message: "missing"}
	}
	return os.WriteFile(filePath, body, 0o644)
}

func TestMinioResolverDownloadsOnceAndCaches(t *testing.T) {
	id := model.ArtifactID{Namespace: "default", Scope: model.ScopeUser, Name: "etl", Version: "1.0.0"}
	fetcher := &fakeFetcher{
		objects: map[string][]byte{storageKey(id): []byte("payload")},
		delay:   20 * time.Millisecond,
	}
	cache := t.TempDir()
	r, err := NewMinioResolver(fetcher, "artifacts", cache, discardLogger())
	if err != nil {
		t.Fatalf("NewMinioResolver: %v", err)
	}

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Go(func() {
			p, err := r.Resolve(context.Background(), id)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			paths[i] = p
		})
	}
	wg.Wait()

	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
	body, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("cached body = %q, want %q", body, "payload")
	}
	if filepath.Dir(filepath.Dir(filepath.Dir(paths[0]))) != cache {
		t.Errorf("cached path %q not under cache dir %q", paths[0], cache)
	}

	// A later resolve is served from the cache.
	if _, err := r.Resolve(context.Background(), id); err != nil {
		t.Fatalf("Resolve cached: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("downloads after cached resolve = %d, want 1", got)
	}
}

func TestMinioResolverCallerCancelDoesNotAbortSharedDownload(t *testing.T) {
	id := model.ArtifactID{Namespace: "default", Scope: model.ScopeUser, Name: "etl", Version: "2.0.0"}
	fetcher := &fakeFetcher{
		objects: map[string][]byte{storageKey(id): []byte("payload")},
		delay:   200 * time.Millisecond,
	}
	r, err := NewMinioResolver(fetcher, "artifacts", t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewMinioResolver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, id)
		firstErr <- err
	}()

	// Let the first caller start the download, then join it and cancel.
	time.Sleep(50 * time.Millisecond)
	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), id)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	if err := <-second; err != nil {
		t.Errorf("waiting caller error = %v, want nil", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestResolversRejectEscapingIDs(t *testing.T) {
	fetcher := &fakeFetcher{objects: map[string][]byte{}}
	mr, err := NewMinioResolver(fetcher, "artifacts", t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewMinioResolver: %v", err)
	}
	resolvers := map[string]Resolver{
		"fs":    NewFSResolver(t.TempDir()),
		"minio": mr,
	}

	ids := []model.ArtifactID{
		{Namespace: "default", Name: "x/../../y", Version: "1"},
		{Namespace: "..", Name: "x", Version: "1"},
		{Namespace: "default", Name: "x", Version: `..\1`},
		{Namespace: "default", Scope: "other", Name: "x", Version: "1"},
	}
	for name, r := range resolvers {
		for _, id := range ids {
			if _, err := r.Resolve(context.Background(), id); !errors.Is(err, ErrNotFound) {
				t.Errorf("%s: Resolve(%v) error = %v, want ErrNotFound", name, id, err)
			}
		}
	}
	if got := fetcher.calls.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestMinioResolverNotFound(t *testing.T) {
	fetcher := &fakeFetcher{objects: map[string][]byte{}}
	r, err := NewMinioResolver(fetcher, "artifacts", t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewMinioResolver: %v", err)
	}

	_, err = r.Resolve(context.Background(), model.ArtifactID{Namespace: "default", Name: "nope", Version: "1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve error = %v, want ErrNotFound", err)
	}
}

func TestMinioConfigValidate(t *testing.T) {
	valid := MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "kiln",
		SecretKey: "secret",
		Bucket:    "artifacts",
		CacheDir:  "/tmp/cache",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*MinioConfig)
	}{
		{"no endpoint", func(c *MinioConfig) { c.Endpoint = "" }},
		{"scheme", func(c *MinioConfig) { c.Endpoint = "http://localhost:9000" }},
		{"no access key", func(c *MinioConfig) { c.AccessKey = "" }},
		{"no secret key", func(c *MinioConfig) { c.SecretKey = " " }},
		{"no bucket", func(c *MinioConfig) { c.Bucket = "" }},
		{"no cache", func(c *MinioConfig) { c.CacheDir = "" }},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}
