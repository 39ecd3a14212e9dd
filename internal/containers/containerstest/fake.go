// Package containerstest provides an in-memory containers.Containers.
package containerstest

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/plzerr"
)

type Container struct {
	Spec    containers.Spec
	State   *containers.State
	Created bool
	Copied  map[string][]byte
}

// Fake records every call. Files maps "<container>:<path>" to the content
// returned by CopyFrom as a single-file tarball rooted at the path's base
// name. Output holds the log stream of each container.
type Fake struct {
	mu sync.Mutex

	Containers map[string]*Container
	Volumes    map[string]map[string]string
	Files      map[string]string
	Output     map[string]string

	PingErr   error
	CreateErr error
	StartErr  error
	Stopped   []string
	Removed   []string

	// ExitOnStart, when set, makes every container exit with this code as
	// soon as it starts.
	ExitOnStart *int
}

func New() *Fake {
	return &Fake{
		Containers: map[string]*Container{},
		Volumes:    map[string]map[string]string{},
		Files:      map[string]string{},
		Output:     map[string]string{},
	}
}

var _ containers.Containers = (*Fake)(nil)

func (f *Fake) Ping(context.Context) error { return f.PingErr }

func (f *Fake) Create(_ context.Context, spec containers.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if _, ok := f.Containers[spec.Name]; ok {
		return "", plzerr.Conflict("container %s already exists", spec.Name)
	}
	f.Containers[spec.Name] = &Container{Spec: spec, Created: true, Copied: map[string][]byte{}}
	return "id-" + spec.Name, nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.Containers[name]
	if !ok {
		return plzerr.NotFound("container %s not found", name)
	}
	now := time.Now()
	if f.ExitOnStart != nil {
		c.State = &containers.State{Status: "exited", ExitCode: *f.ExitOnStart, StartedAt: now, FinishedAt: now}
		return nil
	}
	c.State = &containers.State{Status: "running", Running: true, StartedAt: now}
	return nil
}

func (f *Fake) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, name)
	if c, ok := f.Containers[name]; ok && c.State != nil && c.State.Running {
		c.State = &containers.State{Status: "exited", ExitCode: 137, StartedAt: c.State.StartedAt, FinishedAt: time.Now()}
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, name)
	delete(f.Containers, name)
	return nil
}

// Exit marks a running container as exited.
func (f *Fake) Exit(name string, code int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.Containers[name]; ok {
		started := time.Time{}
		if c.State != nil {
			started = c.State.StartedAt
		}
		c.State = &containers.State{Status: "exited", ExitCode: code, StartedAt: started, FinishedAt: at}
	}
}

func (f *Fake) Container(name string) (*Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	return c, ok
}

func (f *Fake) Logs(_ context.Context, name string, opts containers.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[name]; !ok {
		return nil, plzerr.NotFound("container %s not found", name)
	}
	return io.NopCloser(strings.NewReader(f.Output[name])), nil
}

func (f *Fake) State(_ context.Context, name string) (*containers.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return nil, nil
	}
	if c.State == nil {
		return &containers.State{Status: "created"}, nil
	}
	s := *c.State
	return &s, nil
}

func (f *Fake) CopyTo(_ context.Context, name, dir string, content io.Reader) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return plzerr.NotFound("container %s not found", name)
	}
	c.Copied[dir] = b
	return nil
}

func (f *Fake) CopyFrom(_ context.Context, name, p string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[name]; !ok {
		return nil, plzerr.NotFound("container %s not found", name)
	}
	content, ok := f.Files[name+":"+p]
	if !ok {
		return nil, plzerr.NotFound("%s not found in container %s", p, name)
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := path.Base(p)
	_ = tw.WriteHeader(&tar.Header{Name: base + "/", Typeflag: tar.TypeDir, Mode: 0o755})
	_ = tw.WriteHeader(&tar.Header{Name: base + "/file", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))})
	_, _ = tw.Write([]byte(content))
	_ = tw.Close()
	return io.NopCloser(&buf), nil
}

func (f *Fake) CreateVolume(_ context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Volumes[name] = labels
	return nil
}

func (f *Fake) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Volumes, name)
	return nil
}

func (f *Fake) HasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Volumes[name]
	return ok
}
