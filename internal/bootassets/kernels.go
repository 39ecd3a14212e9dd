// Package bootassets downloads and caches the guest kernels booted by
// microVM instances.
package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	units "github.com/docker/go-units"
	"github.com/prodo-dev/plz/internal/paths"
)

var ErrNoManagedKernel = errors.New("no managed kernel")

type KernelSpec struct {
	ID       string
	Filename string
	URL      string
	SHA256   string
}

// DefaultKernels maps GOARCH to the firecracker CI guest kernel.
func DefaultKernels() map[string]KernelSpec {
	return map[string]KernelSpec{
		"amd64": {
			ID:       "fc-ci-v1.14-x86_64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/x86_64/vmlinux-6.1.155",
			SHA256:   "e41c7048bd2475e7e788153823fcb9166a7e0b78c4c443bd6446d015fa735f53",
		},
		"arm64": {
			ID:       "fc-ci-v1.14-aarch64-vmlinux-6.1.155",
			Filename: "vmlinux-6.1.155",
			URL:      "https://s3.amazonaws.com/spec.ccfc.min/firecracker-ci/v1.14/aarch64/vmlinux-6.1.155",
			SHA256:   "61baeae1ac6197be4fc5c71fa78df266acdc33c54570290d2f611c2b42c105be",
		},
	}
}

// Resolved is the kernel an instance boots.
type Resolved struct {
	Path     string
	Managed  bool
	CacheHit bool
	Notice   string
}

// Cache resolves guest kernels, downloading the managed kernel for the host
// architecture when none is configured.
type Cache struct {
	Dir        string
	GOARCH     string
	Kernels    map[string]KernelSpec
	HTTPClient *http.Client
	Logger     *log.Logger
	// MaxTries bounds download attempts; zero means 3.
	MaxTries uint64

	mu sync.Mutex
}

// NewCache returns a cache rooted at the plz kernels directory.
func NewCache(logger *log.Logger) (*Cache, error) {
	dir, err := paths.KernelsDir()
	if err != nil {
		return nil, fmt.Errorf("resolve kernels directory: %w", err)
	}
	return &Cache{Dir: dir, Logger: logger}, nil
}

func (c *Cache) goarch() string {
	if c.GOARCH != "" {
		return c.GOARCH
	}
	return runtime.GOARCH
}

func (c *Cache) spec() (KernelSpec, error) {
	kernels := c.Kernels
	if kernels == nil {
		kernels = DefaultKernels()
	}
	spec, ok := kernels[c.goarch()]
	if !ok {
		return KernelSpec{}, fmt.Errorf("%w for %s", ErrNoManagedKernel, c.goarch())
	}
	return spec, nil
}

// Path is where the managed kernel lives once downloaded.
func (c *Cache) Path() (string, error) {
	spec, err := c.spec()
	if err != nil {
		return "", err
	}
	return filepath.Join(c.Dir, spec.ID, spec.Filename), nil
}

// Cached reports whether a verified managed kernel is on disk.
func (c *Cache) Cached() (string, bool) {
	spec, err := c.spec()
	if err != nil {
		return "", false
	}
	dest := filepath.Join(c.Dir, spec.ID, spec.Filename)
	ok, err := matchesSHA256(dest, spec.SHA256)
	return dest, err == nil && ok
}

// Resolve returns configured when it names a readable file, and the managed
// kernel otherwise.
func (c *Cache) Resolve(ctx context.Context, configured string) (Resolved, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if abs, err := filepath.Abs(configured); err == nil {
			configured = abs
		}
		if st, err := os.Stat(configured); err == nil && !st.IsDir() {
			return Resolved{Path: configured}, nil
		}
	}

	res, err := c.Ensure(ctx)
	if err != nil {
		if configured != "" {
			return Resolved{}, fmt.Errorf("kernel_image %q is not accessible and the managed kernel is unavailable: %w", configured, err)
		}
		return Resolved{}, err
	}
	if configured != "" {
		res.Notice = fmt.Sprintf("kernel_image %q is not accessible; %s", configured, res.Notice)
	}
	return res, nil
}

// Ensure downloads the managed kernel unless a verified copy is cached.
func (c *Cache) Ensure(ctx context.Context) (Resolved, error) {
	spec, err := c.spec()
	if err != nil {
		return Resolved{}, err
	}
	dest := filepath.Join(c.Dir, spec.ID, spec.Filename)
	hit := Resolved{Path: dest, Managed: true, CacheHit: true, Notice: "using managed kernel " + spec.ID + " (cached)"}

	if ok, err := matchesSHA256(dest, spec.SHA256); err != nil {
		return Resolved{}, err
	} else if ok {
		return hit, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok, err := matchesSHA256(dest, spec.SHA256); err != nil {
		return Resolved{}, err
	} else if ok {
		return hit, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Resolved{}, fmt.Errorf("create kernel directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", dest, time.Now().UnixNano())
	defer os.Remove(tmp)

	tries := c.MaxTries
	if tries == 0 {
		tries = 3
	}
	var size int64
	err = backoff.Retry(func() error {
		n, err := c.download(ctx, spec, tmp)
		if errors.Is(err, errChecksum) {
			return backoff.Permanent(err)
		}
		size = n
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), tries-1), ctx))
	if err != nil {
		return Resolved{}, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return Resolved{}, fmt.Errorf("store kernel %s: %w", dest, err)
	}
	if c.Logger != nil {
		c.Logger.Info("downloaded guest kernel", "kernel", spec.ID, "size", units.HumanSize(float64(size)), "path", dest)
	}
	return Resolved{
		Path:    dest,
		Managed: true,
		Notice:  fmt.Sprintf("using managed kernel %s (downloaded %s)", spec.ID, units.HumanSize(float64(size))),
	}, nil
}

var errChecksum = errors.New("kernel checksum mismatch")

func (c *Cache) download(ctx context.Context, spec KernelSpec, tmp string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "plz")
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download kernel from %s: %w", spec.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		err := fmt.Errorf("download kernel from %s: unexpected status %d: %s", spec.URL, res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return 0, backoff.Permanent(err)
		}
		return 0, err
	}

	out, err := os.Create(tmp)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create %s: %w", tmp, err))
	}
	defer out.Close()
	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hash), res.Body)
	if err != nil {
		return 0, fmt.Errorf("write kernel %s: %w", tmp, err)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, spec.SHA256) {
		return 0, fmt.Errorf("%w for %s: got %s want %s", errChecksum, spec.URL, got, spec.SHA256)
	}
	return n, nil
}

func matchesSHA256(path, want string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open kernel %s: %w", path, err)
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, fmt.Errorf("hash kernel %s: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), want), nil
}
