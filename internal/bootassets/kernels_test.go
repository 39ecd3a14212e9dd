package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testCache(t *testing.T, url, sum string) *Cache {
	t.Helper()
	return &Cache{
		Dir:    t.TempDir(),
		GOARCH: "arm64",
		Kernels: map[string]KernelSpec{
			"arm64": {ID: "test-kernel", Filename: "vmlinux-test", URL: url, SHA256: sum},
		},
	}
}

func TestResolveUsesConfiguredKernelWhenPresent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("remote-kernel"))
	}))
	t.Cleanup(srv.Close)

	configured := filepath.Join(t.TempDir(), "vmlinux")
	if err := os.WriteFile(configured, []byte("local"), 0o644); err != nil {
		t.Fatalf("write configured kernel: %v", err)
	}
	cache := testCache(t, srv.URL, sha256Hex([]byte("remote-kernel")))
	cache.HTTPClient = srv.Client()

	got, err := cache.Resolve(context.Background(), configured)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.Path != configured || got.Managed {
		t.Fatalf("expected configured kernel, got %+v", got)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no download, got %d requests", hits.Load())
	}
}

func TestResolveDownloadsOnceThenHitsCache(t *testing.T) {
	t.Parallel()

	payload := []byte("managed-kernel")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	cache := testCache(t, srv.URL+"/kernel", sha256Hex(payload))
	cache.HTTPClient = srv.Client()

	first, err := cache.Resolve(context.Background(), "/does/not/exist")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !first.Managed || first.CacheHit {
		t.Fatalf("expected fresh managed kernel, got %+v", first)
	}
	if !strings.Contains(first.Notice, `kernel_image "/does/not/exist" is not accessible`) {
		t.Fatalf("expected notice about the missing configured kernel, got %q", first.Notice)
	}
	b, err := os.ReadFile(first.Path)
	if err != nil || string(b) != string(payload) {
		t.Fatalf("unexpected cached kernel %q (%v)", b, err)
	}

	second, err := cache.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("second Resolve returned error: %v", err)
	}
	if !second.CacheHit || second.Path != first.Path {
		t.Fatalf("expected cache hit at %s, got %+v", first.Path, second)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download, got %d", hits.Load())
	}
	if path, ok := cache.Cached(); !ok || path != first.Path {
		t.Fatalf("expected Cached to report %s, got %s %v", first.Path, path, ok)
	}
}

func TestEnsureRetriesServerErrors(t *testing.T) {
	t.Parallel()

	payload := []byte("flaky-kernel")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	cache := testCache(t, srv.URL, sha256Hex(payload))
	cache.HTTPClient = srv.Client()

	if _, err := cache.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected a retry after the 502, got %d requests", hits.Load())
	}
}

func TestEnsureRejectsChecksumMismatchWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tampered"))
	}))
	t.Cleanup(srv.Close)

	cache := testCache(t, srv.URL, sha256Hex([]byte("expected")))
	cache.HTTPClient = srv.Client()

	_, err := cache.Ensure(context.Background())
	if !errors.Is(err, errChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected no retry on checksum mismatch, got %d requests", hits.Load())
	}
	path, _ := cache.Path()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no kernel stored after mismatch, stat err=%v", err)
	}
}

func TestResolveFailsWithoutManagedKernelForArch(t *testing.T) {
	t.Parallel()

	cache := &Cache{Dir: t.TempDir(), GOARCH: "riscv64"}
	_, err := cache.Resolve(context.Background(), "")
	if !errors.Is(err, ErrNoManagedKernel) {
		t.Fatalf("expected ErrNoManagedKernel, got %v", err)
	}
}
