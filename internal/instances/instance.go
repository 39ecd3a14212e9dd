// Package instances owns the compute that executions run on: one Instance per
// docker daemon, bound to at most one execution at a time, and the Pool that
// acquires, releases and reclaims them.
package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/volumes"
)

type Status string

const (
	StatusQueryingAvailability  Status = "querying-availability"
	StatusRequestingNewInstance Status = "requesting-new-instance"
	StatusAllocated             Status = "allocated"
	StatusPending               Status = "pending"
	StatusStarted               Status = "started"
	// StatusFailed is the terminal event of an acquisition that never
	// reached StatusStarted.
	StatusFailed Status = "failed"
)

// Event is one step of an acquisition. Err is set only for StatusFailed.
type Event struct {
	Status     Status
	InstanceID string
	Err        error
}

// ImageSource makes a snapshot available on the daemon an instance uses.
type ImageSource interface {
	Ensure(ctx context.Context, tag string) error
}

// Runtime is the docker daemon an instance runs its workload on.
type Runtime struct {
	Containers containers.Containers
	Images     ImageSource
	Volumes    *volumes.Volumes
}

// ContainerName is the name of the workload container of an execution.
func ContainerName(executionID string) string {
	return "plz-" + executionID
}

// Instance is a snapshot of one instance as its backend reported it. Only
// the Pool changes its binding.
type Instance struct {
	record  Record
	runtime Runtime
	tags    *TagStore
	dispose func(ctx context.Context, inst *Instance) error
	now     func() time.Time
}

func newInstance(rec Record, rt Runtime, tags *TagStore, dispose func(context.Context, *Instance) error, now func() time.Time) *Instance {
	if now == nil {
		now = time.Now
	}
	return &Instance{record: rec, runtime: rt, tags: tags, dispose: dispose, now: now}
}

func (i *Instance) ID() string           { return i.record.ID }
func (i *Instance) InstanceType() string { return i.record.InstanceType }
func (i *Instance) ExecutionID() string  { return i.record.ExecutionID }
func (i *Instance) Binding() Binding     { return i.record.Binding }
func (i *Instance) Record() Record       { return i.record }

type RunRequest struct {
	Command       []string
	Snapshot      string
	Parameters    json.RawMessage
	IndexRange    *model.IndexRange
	DockerRunArgs map[string]string
}

func launchFailed(executionID, stage string, err error) error {
	return plzerr.Backend("launch execution %s: %s", executionID, stage).WithCode(plzerr.CodeLaunchFailed).Wrap(err)
}

// Run stages the configuration file into a fresh working volume and starts
// the workload container of the bound execution.
func (i *Instance) Run(ctx context.Context, req RunRequest) error {
	executionID := i.record.ExecutionID
	if executionID == "" {
		return plzerr.Conflict("instance %s is not bound to an execution", i.ID())
	}
	if len(req.Command) == 0 {
		return plzerr.Validation("missing command")
	}
	if strings.TrimSpace(req.Snapshot) == "" {
		return plzerr.Validation("missing snapshot id")
	}
	shmSize, err := shmSizeFromArgs(req.DockerRunArgs)
	if err != nil {
		return err
	}

	if i.runtime.Images != nil {
		if err := i.runtime.Images.Ensure(ctx, req.Snapshot); err != nil {
			return launchFailed(executionID, "pull image "+req.Snapshot, err)
		}
	}
	mount, err := i.runtime.Volumes.Create(ctx, executionID)
	if err != nil {
		return launchFailed(executionID, "create working volume", err)
	}
	name := ContainerName(executionID)
	_, err = i.runtime.Containers.Create(ctx, containers.Spec{
		Name:    name,
		Image:   req.Snapshot,
		Command: req.Command,
		Env:     map[string]string{volumes.ConfigurationEnv: volumes.ConfigurationFile},
		Mounts:  []containers.Mount{mount},
		Labels: map[string]string{
			"plz.execution_id": executionID,
			"plz.instance_id":  i.ID(),
		},
		ShmSize: shmSize,
	})
	if err != nil {
		return launchFailed(executionID, "create container", err)
	}
	if err := i.runtime.Volumes.Stage(ctx, name, volumes.NewConfiguration(req.Parameters, req.IndexRange)); err != nil {
		return launchFailed(executionID, "stage configuration", err)
	}
	if err := i.runtime.Containers.Start(ctx, name); err != nil {
		return launchFailed(executionID, "start container", err)
	}
	return nil
}

// shmSizeFromArgs reads the shm_size docker run argument ("2g", "512m").
func shmSizeFromArgs(args map[string]string) (int64, error) {
	raw, ok := args["shm_size"]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, plzerr.Validation("invalid docker_run_args.shm_size %q", raw).Wrap(err)
	}
	return n, nil
}

type LogsOptions struct {
	Stdout bool
	Stderr bool
	Since  time.Time
	Follow bool
}

func (i *Instance) boundContainer() (string, error) {
	if i.record.ExecutionID == "" {
		return "", plzerr.NotFound("instance %s is not bound to an execution", i.ID())
	}
	return ContainerName(i.record.ExecutionID), nil
}

// Logs streams the workload output. With Follow set the stream ends when
// the container exits or ctx is cancelled.
func (i *Instance) Logs(ctx context.Context, opts LogsOptions) (io.ReadCloser, error) {
	name, err := i.boundContainer()
	if err != nil {
		return nil, err
	}
	return i.runtime.Containers.Logs(ctx, name, containers.LogsOptions{
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		Since:  opts.Since,
		Follow: opts.Follow,
	})
}

// ContainerState returns nil when no container ran for the current binding.
func (i *Instance) ContainerState(ctx context.Context) (*containers.State, error) {
	if i.record.ExecutionID == "" {
		return nil, nil
	}
	return i.runtime.Containers.State(ctx, ContainerName(i.record.ExecutionID))
}

func (i *Instance) OutputFilesTarball(ctx context.Context, path string) (io.ReadCloser, error) {
	name, err := i.boundContainer()
	if err != nil {
		return nil, err
	}
	return i.runtime.Volumes.OutputTarball(ctx, name, path)
}

func (i *Instance) MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	name, err := i.boundContainer()
	if err != nil {
		return nil, err
	}
	return i.runtime.Volumes.MeasuresTarball(ctx, name)
}

// Stop stops the workload container; it stays around to be harvested.
func (i *Instance) Stop(ctx context.Context, timeout time.Duration) error {
	name, err := i.boundContainer()
	if err != nil {
		return err
	}
	return i.runtime.Containers.Stop(ctx, name, timeout)
}

// Cleanup removes the container and working volume of the bound execution.
// It is safe to call repeatedly.
func (i *Instance) Cleanup(ctx context.Context) error {
	executionID := i.record.ExecutionID
	if executionID == "" {
		return nil
	}
	return errors.Join(
		i.runtime.Containers.Remove(ctx, ContainerName(executionID)),
		i.runtime.Volumes.Remove(ctx, executionID),
	)
}

// Dispose terminates the underlying compute. The instance must be unbound.
func (i *Instance) Dispose(ctx context.Context) error {
	if err := i.refresh(); err != nil {
		return err
	}
	if i.record.Bound() {
		return plzerr.Conflict("instance %s is bound to execution %s", i.ID(), i.record.ExecutionID)
	}
	if i.dispose == nil {
		return nil
	}
	return i.dispose(ctx, i)
}

func (i *Instance) ExecutionInfo(ctx context.Context) (model.ExecutionInfo, error) {
	info := model.ExecutionInfo{
		ExecutionID:    i.record.ExecutionID,
		InstanceID:     i.ID(),
		InstanceType:   i.InstanceType(),
		MaxIdleSeconds: i.record.MaxIdleSeconds,
		User:           i.record.User,
	}
	if !i.record.Bound() {
		info.Status = "idle"
		idleSince := i.record.IdleSince
		info.IdleSinceTimestamp = &idleSince
		return info, nil
	}
	state, err := i.ContainerState(ctx)
	if err != nil {
		return info, err
	}
	switch {
	case state == nil:
		info.Status = "provisioning"
	default:
		info.Status = state.Status
		info.Running = state.Running
	}
	return info, nil
}

func (i *Instance) refresh() error {
	if i.tags == nil {
		return nil
	}
	rec, err := i.tags.Load(i.ID())
	if err != nil {
		return err
	}
	i.record = rec
	return nil
}

// bind records b on the instance unless another execution holds it.
func (i *Instance) bind(b Binding) error {
	if err := i.refresh(); err != nil {
		return err
	}
	if i.record.Bound() && i.record.ExecutionID != b.ExecutionID {
		return plzerr.Conflict("instance %s is already bound to execution %s", i.ID(), i.record.ExecutionID)
	}
	rec := i.record
	rec.Binding = b
	if err := i.tags.Save(rec); err != nil {
		return fmt.Errorf("bind instance %s: %w", i.ID(), err)
	}
	i.record = rec
	return nil
}

// unbind clears the binding and starts the idle clock at idleSince. The
// idle budget of the last binding stays with the instance.
func (i *Instance) unbind(idleSince time.Time) error {
	if err := i.refresh(); err != nil {
		return err
	}
	rec := i.record
	rec.Binding = Binding{
		MaxIdleSeconds: rec.MaxIdleSeconds,
		IdleSince:      idleSince.Unix(),
	}
	if err := i.tags.Save(rec); err != nil {
		return fmt.Errorf("unbind instance %s: %w", i.ID(), err)
	}
	i.record = rec
	return nil
}
