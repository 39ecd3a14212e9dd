// Package containers runs workloads as containers on one docker daemon.
package containers

import (
	"context"
	"io"
	"time"
)

type Mount struct {
	// Volume is the name of a docker volume.
	Volume string
	Target string
}

type Spec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	Labels  map[string]string
	// ShmSize is the size of /dev/shm in bytes; zero keeps the daemon default.
	ShmSize int64
}

// State describes a container that exists. A nil *State means no container
// with that name.
type State struct {
	// Status is docker's status string: created, running, exited, dead...
	Status     string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Exited reports whether the container ran and stopped.
func (s *State) Exited() bool {
	return s != nil && !s.Running && s.Status != "created" && s.Status != "restarting"
}

type LogsOptions struct {
	Stdout bool
	Stderr bool
	// Since drops lines older than this time when set.
	Since  time.Time
	Follow bool
}

type Containers interface {
	Ping(ctx context.Context) error
	// Create prepares a container without starting it, so files can be
	// copied into its mounts first.
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	// Remove is a no-op for containers that do not exist.
	Remove(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, opts LogsOptions) (io.ReadCloser, error)
	State(ctx context.Context, name string) (*State, error)
	// CopyTo extracts a tar stream into dir inside the container.
	CopyTo(ctx context.Context, name, dir string, content io.Reader) error
	// CopyFrom returns a tar stream of path, rooted at its base name.
	CopyFrom(ctx context.Context, name, path string) (io.ReadCloser, error)
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	// RemoveVolume is a no-op for volumes that do not exist.
	RemoveVolume(ctx context.Context, name string) error
}
