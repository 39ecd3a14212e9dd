// Package results stores the artifacts of finished executions: exit status,
// logs, output files, measures and a copy of the start metadata.
//
// Publishing is at-most-once per execution id. A finished marker is written
// after every other artifact, so a bundle without the marker is treated as
// never published and is rewritten by the next publish.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/paths"
	"github.com/prodo-dev/plz/internal/plzerr"
)

const (
	statusFile   = "status"
	logsFile     = "logs"
	outputDir    = "output"
	measuresDir  = "measures"
	metadataFile = "metadata.json"
	finishedFile = ".finished"
)

// PublishRequest carries the artifacts harvested from an instance. Output and
// Measures are tar streams rooted at "output/" and "measures/" respectively;
// nil readers publish empty directories.
type PublishRequest struct {
	ExitStatus int
	Logs       io.Reader
	Output     io.Reader
	Measures   io.Reader
	Metadata   model.StartMetadata
	FinishedAt time.Time
}

type Metadata struct {
	StartMetadata model.StartMetadata `json:"start_metadata"`
	ExitStatus    int                 `json:"exit_status"`
	FinishedAt    int64               `json:"finished_at"`
}

type Store interface {
	// Publish reports false when the execution was already published; the
	// stored bundle is left untouched in that case.
	Publish(ctx context.Context, executionID string, req PublishRequest) (bool, error)
	// Get returns scoped access to a published bundle. Callers must Close
	// the returned Results.
	Get(ctx context.Context, executionID string) (Results, bool, error)
	IsFinished(ctx context.Context, executionID string) (bool, error)
}

type Results interface {
	ExitStatus() int
	Metadata() Metadata
	Logs(ctx context.Context) (io.ReadCloser, error)
	// OutputTarball streams the output directory, or the file or directory
	// at path below it. Entries are rooted at the base name of what was
	// requested, the same layout `docker cp` produces.
	OutputTarball(ctx context.Context, path string) (io.ReadCloser, error)
	// Measures returns a JSON object mapping each measures file to its
	// content. With summary set only the "summary" measure is returned.
	Measures(ctx context.Context, summary bool) ([]byte, error)
	Close() error
}

type Options struct {
	// Backend is "fs" (default) or "minio".
	Backend string
	Dir     string
	MinIO   MinIOConfig
	Logger  *log.Logger
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.TrimSpace(opts.Backend) {
	case "", "fs":
		dir := opts.Dir
		if strings.TrimSpace(dir) == "" {
			var err error
			dir, err = paths.ResultsDir()
			if err != nil {
				return nil, fmt.Errorf("resolve results directory: %w", err)
			}
		}
		return NewFSStore(dir, opts.Logger)
	case "minio":
		return NewMinIOStore(ctx, opts.MinIO, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown results backend %q", opts.Backend)
	}
}

func validateExecutionID(executionID string) error {
	id := strings.TrimSpace(executionID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return plzerr.Validation("invalid execution id %q", executionID)
	}
	return nil
}

// encodeMeasures renders measures files as a JSON object. Files holding
// valid JSON are embedded as-is, anything else becomes a string.
func encodeMeasures(files map[string][]byte, summary bool) ([]byte, error) {
	values := make(map[string]any, len(files))
	for name, content := range files {
		trimmed := strings.TrimSpace(string(content))
		if trimmed != "" && json.Valid([]byte(trimmed)) {
			values[name] = json.RawMessage(trimmed)
			continue
		}
		values[name] = trimmed
	}
	if summary {
		v, ok := values["summary"]
		if !ok {
			return []byte("{}"), nil
		}
		return json.Marshal(v)
	}
	return json.Marshal(values)
}
