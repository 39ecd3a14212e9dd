package containers

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prodo-dev/plz/internal/plzerr"
)

// Docker implements Containers with the docker engine API.
type Docker struct {
	client client.APIClient
}

func NewDocker(c client.APIClient) *Docker {
	return &Docker{client: c}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return plzerr.Backend("docker daemon unreachable").Wrap(err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: m.Volume, Target: m.Target})
	}
	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Command,
			Env:    envList(spec.Env),
			Labels: spec.Labels,
		},
		&container.HostConfig{Mounts: mounts, ShmSize: spec.ShmSize},
		nil, nil, spec.Name)
	if err != nil {
		return "", plzerr.Backend("create container %s", spec.Name).Wrap(err)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return plzerr.Backend("start container %s", name).Wrap(err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return plzerr.Backend("stop container %s", name).Wrap(err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return plzerr.Backend("remove container %s", name).Wrap(err)
	}
	return nil
}

// Logs demultiplexes the docker log stream into plain bytes.
func (d *Docker) Logs(ctx context.Context, name string, opts LogsOptions) (io.ReadCloser, error) {
	if !opts.Stdout && !opts.Stderr {
		opts.Stdout, opts.Stderr = true, true
	}
	logOpts := container.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
	}
	if !opts.Since.IsZero() {
		logOpts.Since = strconv.FormatInt(opts.Since.Unix(), 10)
	}
	rc, err := d.client.ContainerLogs(ctx, name, logOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, plzerr.NotFound("container %s not found", name)
		}
		return nil, plzerr.Backend("logs of container %s", name).Wrap(err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (d *Docker) State(ctx context.Context, name string) (*State, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, plzerr.Backend("inspect container %s", name).Wrap(err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, plzerr.Backend("container %s has no state", name)
	}
	return &State{
		Status:     info.State.Status,
		Running:    info.State.Running,
		ExitCode:   info.State.ExitCode,
		StartedAt:  parseDockerTime(info.State.StartedAt),
		FinishedAt: parseDockerTime(info.State.FinishedAt),
	}, nil
}

// parseDockerTime maps docker's "0001-01-01T00:00:00Z" and unparsable values
// to the zero time.
func parseDockerTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

func (d *Docker) CopyTo(ctx context.Context, name, dir string, content io.Reader) error {
	if err := d.client.CopyToContainer(ctx, name, dir, content, container.CopyToContainerOptions{}); err != nil {
		return plzerr.Backend("copy into %s:%s", name, dir).Wrap(err)
	}
	return nil
}

func (d *Docker) CopyFrom(ctx context.Context, name, path string) (io.ReadCloser, error) {
	rc, _, err := d.client.CopyFromContainer(ctx, name, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, plzerr.NotFound("%s not found in container %s", path, name)
		}
		return nil, plzerr.Backend("copy from %s:%s", name, path).Wrap(err)
	}
	return rc, nil
}

func (d *Docker) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels}); err != nil {
		return plzerr.Backend("create volume %s", name).Wrap(err)
	}
	return nil
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	err := d.client.VolumeRemove(ctx, name, true)
	if err != nil && !client.IsErrNotFound(err) {
		return plzerr.Backend("remove volume %s", name).Wrap(err)
	}
	return nil
}
