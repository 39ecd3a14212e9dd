// Package volumes manages the per-execution working volume mounted at /plz
// inside workload containers.
package volumes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	archive "github.com/moby/go-archive"
	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/model"
)

const (
	MountPoint        = "/plz"
	ConfigurationFile = MountPoint + "/configuration.json"
	OutputDirectory   = MountPoint + "/output"
	MeasuresDirectory = MountPoint + "/measures"

	// ConfigurationEnv tells the workload where its configuration lives.
	ConfigurationEnv = "CONFIGURATION_FILE"
)

// Configuration is written to ConfigurationFile before the workload starts.
type Configuration struct {
	OutputDirectory   string          `json:"output_directory"`
	MeasuresDirectory string          `json:"measures_directory"`
	Parameters        json.RawMessage `json:"parameters"`
	IndexStart        *int            `json:"index_start,omitempty"`
	IndexEnd          *int            `json:"index_end,omitempty"`
}

func NewConfiguration(parameters json.RawMessage, r *model.IndexRange) Configuration {
	if len(parameters) == 0 {
		parameters = json.RawMessage("{}")
	}
	cfg := Configuration{
		OutputDirectory:   OutputDirectory,
		MeasuresDirectory: MeasuresDirectory,
		Parameters:        parameters,
	}
	if r != nil {
		start, end := r.Start, r.End
		cfg.IndexStart = &start
		cfg.IndexEnd = &end
	}
	return cfg
}

type Volumes struct {
	Containers containers.Containers
	// StagingDir holds scratch trees while they are tarred; empty means the
	// system temp dir.
	StagingDir string
}

func Name(executionID string) string {
	return "plz-" + executionID
}

// Create makes the working volume for executionID and returns the mount to
// attach to its container.
func (v *Volumes) Create(ctx context.Context, executionID string) (containers.Mount, error) {
	name := Name(executionID)
	if err := v.Containers.CreateVolume(ctx, name, map[string]string{"plz.execution_id": executionID}); err != nil {
		return containers.Mount{}, err
	}
	return containers.Mount{Volume: name, Target: MountPoint}, nil
}

// Stage copies the configuration file and empty output and measures
// directories into the volume of a created container.
func (v *Volumes) Stage(ctx context.Context, containerName string, cfg Configuration) error {
	if v.StagingDir != "" {
		if err := os.MkdirAll(v.StagingDir, 0o755); err != nil {
			return fmt.Errorf("create staging directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(v.StagingDir, "plz-stage-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(dir)

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, path.Base(ConfigurationFile)), b, 0o644); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	for _, sub := range []string{OutputDirectory, MeasuresDirectory} {
		if err := os.Mkdir(filepath.Join(dir, path.Base(sub)), 0o777); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}

	tarball, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive staging directory: %w", err)
	}
	defer tarball.Close()
	return v.Containers.CopyTo(ctx, containerName, MountPoint, tarball)
}

// OutputTarball streams the output directory, or p below it, out of the
// container. Entries are rooted at the base name of what was requested.
func (v *Volumes) OutputTarball(ctx context.Context, containerName, p string) (io.ReadCloser, error) {
	cleaned, err := model.CleanOutputPath(p)
	if err != nil {
		return nil, err
	}
	return v.Containers.CopyFrom(ctx, containerName, path.Join(OutputDirectory, cleaned))
}

func (v *Volumes) MeasuresTarball(ctx context.Context, containerName string) (io.ReadCloser, error) {
	return v.Containers.CopyFrom(ctx, containerName, MeasuresDirectory)
}

func (v *Volumes) Remove(ctx context.Context, executionID string) error {
	return v.Containers.RemoveVolume(ctx, Name(executionID))
}
