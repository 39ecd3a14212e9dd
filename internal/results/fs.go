package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	archive "github.com/moby/go-archive"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"golang.org/x/sys/unix"
)

// FSStore keeps one directory per execution below BaseDir:
//
//	<base>/<id>/status
//	<base>/<id>/logs
//	<base>/<id>/output/...
//	<base>/<id>/measures/...
//	<base>/<id>/metadata.json
//	<base>/<id>/.finished
//
// Readers and publishers of the same id are serialised with flock(2) on
// <base>/.locks/<id>.lock, which also covers several controller processes
// sharing the directory.
type FSStore struct {
	BaseDir string
	Logger  *log.Logger
}

func NewFSStore(baseDir string, logger *log.Logger) (*FSStore, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("results directory is required")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, ".locks"), 0o755); err != nil {
		return nil, fmt.Errorf("create results directory %q: %w", baseDir, err)
	}
	return &FSStore{BaseDir: baseDir, Logger: logger}, nil
}

func (s *FSStore) executionDir(executionID string) string {
	return filepath.Join(s.BaseDir, executionID)
}

func (s *FSStore) lock(executionID string, how int) (func(), error) {
	lockPath := filepath.Join(s.BaseDir, ".locks", executionID+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results lock for %s: %w", executionID, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock results for %s: %w", executionID, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *FSStore) Publish(ctx context.Context, executionID string, req PublishRequest) (bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return false, err
	}
	unlock, err := s.lock(executionID, unix.LOCK_EX)
	if err != nil {
		return false, err
	}
	defer unlock()

	dir := s.executionDir(executionID)
	if fileExists(filepath.Join(dir, finishedFile)) {
		if s.Logger != nil {
			s.Logger.Debug("results already published", "execution_id", executionID)
		}
		return false, nil
	}

	// Anything here without a marker is left over from an interrupted publish.
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("clear partial results for %s: %w", executionID, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create results directory for %s: %w", executionID, err)
	}

	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(strconv.Itoa(req.ExitStatus)), 0o644); err != nil {
		return false, fmt.Errorf("write exit status for %s: %w", executionID, err)
	}
	if err := writeStream(filepath.Join(dir, logsFile), req.Logs); err != nil {
		return false, fmt.Errorf("write logs for %s: %w", executionID, err)
	}
	if err := extractInto(ctx, dir, outputDir, req.Output); err != nil {
		return false, fmt.Errorf("extract output for %s: %w", executionID, err)
	}
	if err := extractInto(ctx, dir, measuresDir, req.Measures); err != nil {
		return false, fmt.Errorf("extract measures for %s: %w", executionID, err)
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
	if err := os.WriteFile(filepath.Join(dir, metadataFile), meta, 0o644); err != nil {
		return false, fmt.Errorf("write results metadata for %s: %w", executionID, err)
	}

	if err := writeFileSync(filepath.Join(dir, finishedFile), []byte(finishedAt.UTC().Format(time.RFC3339))); err != nil {
		return false, fmt.Errorf("write finished marker for %s: %w", executionID, err)
	}
	if s.Logger != nil {
		s.Logger.Info("published results", "execution_id", executionID, "exit_status", req.ExitStatus)
	}
	return true, nil
}

func (s *FSStore) IsFinished(_ context.Context, executionID string) (bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return false, err
	}
	return fileExists(filepath.Join(s.executionDir(executionID), finishedFile)), nil
}

func (s *FSStore) Get(_ context.Context, executionID string) (Results, bool, error) {
	if err := validateExecutionID(executionID); err != nil {
		return nil, false, err
	}
	unlock, err := s.lock(executionID, unix.LOCK_SH)
	if err != nil {
		return nil, false, err
	}
	dir := s.executionDir(executionID)
	if !fileExists(filepath.Join(dir, finishedFile)) {
		unlock()
		return nil, false, nil
	}

	r := &fsResults{dir: dir, unlock: unlock}
	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("read results metadata for %s: %w", executionID, err)
	}
	if err := json.Unmarshal(raw, &r.metadata); err != nil {
		unlock()
		return nil, false, fmt.Errorf("decode results metadata for %s: %w", executionID, err)
	}
	status, err := os.ReadFile(filepath.Join(dir, statusFile))
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("read exit status for %s: %w", executionID, err)
	}
	r.exitStatus, err = strconv.Atoi(strings.TrimSpace(string(status)))
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("parse exit status for %s: %w", executionID, err)
	}
	return r, true, nil
}

type fsResults struct {
	dir        string
	exitStatus int
	metadata   Metadata
	unlock     func()
}

func (r *fsResults) ExitStatus() int    { return r.exitStatus }
func (r *fsResults) Metadata() Metadata { return r.metadata }

func (r *fsResults) Logs(context.Context) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(r.dir, logsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return f, err
}

func (r *fsResults) OutputTarball(_ context.Context, p string) (io.ReadCloser, error) {
	cleaned, err := model.CleanOutputPath(p)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(r.dir, outputDir, filepath.FromSlash(cleaned))
	if _, err := os.Lstat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, plzerr.NotFound("no output at %q", p)
		}
		return nil, err
	}
	return archive.TarWithOptions(filepath.Dir(target), &archive.TarOptions{
		IncludeFiles: []string{filepath.Base(target)},
	})
}

func (r *fsResults) Measures(_ context.Context, summary bool) ([]byte, error) {
	root := filepath.Join(r.dir, measuresDir)
	files := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read measures: %w", err)
	}
	return encodeMeasures(files, summary)
}

func (r *fsResults) Close() error {
	if r.unlock != nil {
		r.unlock()
		r.unlock = nil
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func writeStream(p string, r io.Reader) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if r != nil {
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}

func writeFileSync(p string, content []byte) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// extractInto unpacks the name/ subtree of a tar stream into dir/name.
// Entries outside name/ are dropped. dir/name exists afterwards even when
// the stream is nil or empty.
func extractInto(ctx context.Context, dir, name string, r io.Reader) error {
	target := filepath.Join(dir, name)
	if r == nil {
		return os.MkdirAll(target, 0o755)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(dir, ".extract-"+name+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := archive.Untar(r, staging, &archive.TarOptions{NoLchown: true}); err != nil {
		return err
	}
	src := filepath.Join(staging, name)
	if st, err := os.Stat(src); err == nil && st.IsDir() {
		return os.Rename(src, target)
	}
	return os.MkdirAll(target, 0o755)
}
