package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func (c MinIOConfig) Validate() error {
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
	return nil
}

// objectClient is the subset of the S3 API the store needs.
type objectClient interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// MinIOStore keeps bundles as objects below <prefix>/<id>/. The finished
// marker object is put last. Publishers within one process are serialised
// per id; the object store offers no cross-process lock, so several
// controllers sharing a bucket rely on the marker check alone.
type MinIOStore struct {
	client objectClient
	prefix string
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock is dropped from MinIOStore.locks when its last holder releases it.
type idLock struct {
	sync.RWMutex
	refs int
}

func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *log.Logger) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("minio results storage: %w", err)
	}
	region := cfg.Region
	if strings.TrimSpace(region) == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, region); err != nil {
		return nil, fmt.Errorf("ensure results bucket %q: %w", cfg.Bucket, err)
	}
	return newMinIOStore(&minioObjects{client: client, bucket: cfg.Bucket}, cfg.Prefix, logger), nil
}

func newMinIOStore(client objectClient, prefix string, logger *log.Logger) *MinIOStore {
	return &MinIOStore{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		locks:  map[string]*idLock{},
	}
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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

func (s *MinIOStore) key(executionID, name string) string {
	return path.Join(s.prefix, executionID, name)
}

func (s *MinIOStore) acquire(executionID string) *idLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[executionID]
	if !ok {
		l = &idLock{}
		s.locks[executionID] = l
	}
	l.refs++
	return l
}

func (s *MinIOStore) release(executionID string, l *idLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, executionID)
	}
}

func (s *MinIOStore) Publish(ctx context.Context, executionID string, req PublishRequest) (bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return false, err
	}
	l := s.acquire(executionID)
	l.Lock()
	defer func() {
		l.Unlock()
		s.release(executionID, l)
	}()

	done, err := s.client.Exists(ctx, s.key(executionID, finishedFile))
	if err != nil {
		return false, fmt.Errorf("check finished marker for %s: %w", executionID, err)
	}
	if done {
		return false, nil
	}

	put := func(name string, r io.Reader, contentType string) error {
		if r == nil {
			r = strings.NewReader("")
		}
		if err := s.client.Put(ctx, s.key(executionID, name), r, contentType); err != nil {
			return fmt.Errorf("upload %s for %s: %w", name, executionID, err)
		}
		return nil
	}

	finishedAt := req.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	meta, err := json.Marshal(Metadata{
		StartMetadata: req.Metadata,
		ExitStatus:    req.ExitStatus,
		FinishedAt:    finishedAt.Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("encode results metadata for %s: %w", executionID, err)
	}

	steps := []struct {
		name        string
		body        io.Reader
		contentType string
	}{
		{statusFile, strings.NewReader(strconv.Itoa(req.ExitStatus)), "text/plain"},
		{logsFile, req.Logs, "application/octet-stream"},
		{outputDir + ".tar", req.Output, "application/x-tar"},
		{measuresDir + ".tar", req.Measures, "application/x-tar"},
		{metadataFile, strings.NewReader(string(meta)), "application/json"},
		{finishedFile, strings.NewReader(finishedAt.UTC().Format(time.RFC3339)), "text/plain"},
	}
	for _, step := range steps {
		if err := put(step.name, step.body, step.contentType); err != nil {
			return false, err
		}
	}
	if s.logger != nil {
		s.logger.Info("published results", "execution_id", executionID, "exit_status", req.ExitStatus)
	}
	return true, nil
}

func (s *MinIOStore) IsFinished(ctx context.Context, executionID string) (bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return false, err
	}
	return s.client.Exists(ctx, s.key(executionID, finishedFile))
}

func (s *MinIOStore) Get(ctx context.Context, executionID string) (Results, bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return nil, false, err
	}
	l := s.acquire(executionID)
	l.RLock()
	unlock := func() {
		l.RUnlock()
		s.release(executionID, l)
	}
	done, err := s.client.Exists(ctx, s.key(executionID, finishedFile))
	if err != nil || !done {
		unlock()
		return nil, false, err
	}

	r := &minioResults{store: s, executionID: executionID, unlock: unlock}
	raw, err := s.readAll(ctx, s.key(executionID, metadataFile))
	if err != nil {
		r.Close()
		return nil, false, fmt.Errorf("read results metadata for %s: %w", executionID, err)
	}
	if err := json.Unmarshal(raw, &r.metadata); err != nil {
		r.Close()
		return nil, false, fmt.Errorf("decode results metadata for %s: %w", executionID, err)
	}
	return r, true, nil
}

func (s *MinIOStore) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// minioResults downloads the tarballs into a scratch directory on first use
// and serves them from there.
type minioResults struct {
	store       *MinIOStore
	executionID string
	metadata    Metadata
	unlock      func()

	local *fsResults
	tmp   string
}

func (r *minioResults) ExitStatus() int    { return r.metadata.ExitStatus }
func (r *minioResults) Metadata() Metadata { return r.metadata }

func (r *minioResults) Logs(ctx context.Context) (io.ReadCloser, error) {
	return r.store.client.Get(ctx, r.store.key(r.executionID, logsFile))
}

func (r *minioResults) materialize(ctx context.Context) (*fsResults, error) {
	if r.local != nil {
		return r.local, nil
	}
	tmp, err := os.MkdirTemp("", "plz-results-")
	if err != nil {
		return nil, err
	}
	r.tmp = tmp
	for _, name := range []string{outputDir, measuresDir} {
		rc, err := r.store.client.Get(ctx, r.store.key(r.executionID, name+".tar"))
		if err != nil {
			return nil, fmt.Errorf("download %s for %s: %w", name, r.executionID, err)
		}
		err = extractInto(ctx, tmp, name, rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("unpack %s for %s: %w", name, r.executionID, err)
		}
	}
	r.local = &fsResults{dir: tmp, exitStatus: r.metadata.ExitStatus, metadata: r.metadata}
	return r.local, nil
}

func (r *minioResults) OutputTarball(ctx context.Context, p string) (io.ReadCloser, error) {
	if _, err := model.CleanOutputPath(p); err != nil {
		return nil, err
	}
	local, err := r.materialize(ctx)
	if err != nil {
		return nil, err
	}
	return local.OutputTarball(ctx, p)
}

func (r *minioResults) Measures(ctx context.Context, summary bool) ([]byte, error) {
	local, err := r.materialize(ctx)
	if err != nil {
		return nil, err
	}
	return local.Measures(ctx, summary)
}

func (r *minioResults) Close() error {
	if r.tmp != "" {
		_ = os.RemoveAll(r.tmp)
		r.tmp = ""
		r.local = nil
	}
	if r.unlock != nil {
		r.unlock()
		r.unlock = nil
	}
	return nil
}

type minioObjects struct {
	client *minio.Client
	bucket string
}

func (m *minioObjects) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, -1, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *minioObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, plzerr.NotFound("object %s not found", key)
		}
		return nil, err
	}
	return obj, nil
}

func (m *minioObjects) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}
