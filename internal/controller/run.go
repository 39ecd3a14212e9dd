package controller

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

// RunExecution accepts a run request. The start metadata of the execution
// and of every unit it fans out to is stored before RunExecution returns,
// so the id on the first event can be queried immediately.
//
// The returned stream carries the id, then the acquisition status of every
// unit prefixed with the indices it covers, and an error line for each unit
// that could not be started. A failing unit is tombstoned; its siblings keep
// running. The work continues when ctx is cancelled, and the stream must be
// drained.
func (c *Controller) RunExecution(ctx context.Context, req controlapi.RunRequest) (<-chan controlapi.StreamEvent, error) {
	return c.run(ctx, req, "")
}

// RerunExecution runs the command and snapshot of a previous execution
// again, for user and project, with the given parameters when set.
func (c *Controller) RerunExecution(ctx context.Context, req controlapi.RerunRequest) (<-chan controlapi.StreamEvent, error) {
	if strings.TrimSpace(req.ExecutionID) == "" {
		return nil, plzerr.Validation("missing execution_id")
	}
	previous, err := c.Storage.RetrieveStartMetadata(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}

	spec := previous.ExecutionSpec
	if strings.TrimSpace(req.User) != "" {
		spec.User = req.User
	}
	if strings.TrimSpace(req.Project) != "" {
		spec.Project = req.Project
	}
	if req.InstanceMaxUptimeInMinutes != nil {
		spec.InstanceMaxUptimeInMinutes = req.InstanceMaxUptimeInMinutes
	}
	parameters := previous.Parameters
	if len(req.OverrideParameters) > 0 {
		parameters = req.OverrideParameters
	}
	run := controlapi.RunRequest{
		Command:             previous.Command,
		SnapshotID:          previous.SnapshotID,
		Parameters:          parameters,
		ExecutionSpec:       spec,
		InstanceMarketSpec:  req.InstanceMarketSpec,
		StartMetadata:       previous.ClientMetadata,
		IndexRange:          previous.IndexRange,
		IndicesPerExecution: previous.IndicesPerExecution,
	}
	// A unit of a fan-out reruns its own chunk as a single unit.
	if previous.ParentExecutionID != "" && previous.IndexRange != nil {
		run.IndicesPerExecution = max(previous.IndexRange.Len(), 1)
	}
	return c.run(ctx, run, req.ExecutionID)
}

func validateRun(req controlapi.RunRequest) error {
	if len(req.Command) == 0 {
		return plzerr.Validation("missing command")
	}
	if strings.TrimSpace(req.SnapshotID) == "" {
		return plzerr.Validation("missing snapshot_id")
	}
	if err := req.ExecutionSpec.Validate(); err != nil {
		return plzerr.Validation("%v", err)
	}
	if len(req.Parameters) > 0 {
		var params map[string]any
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return plzerr.Validation("parameters must be a JSON object").Wrap(err)
		}
	}
	if req.IndexRange != nil {
		if err := req.IndexRange.Validate(); err != nil {
			return plzerr.Validation("%v", err)
		}
	}
	if req.IndicesPerExecution < 0 {
		return plzerr.Validation("indices_per_execution must be positive, got %d", req.IndicesPerExecution)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, req controlapi.RunRequest, previousExecutionID string) (<-chan controlapi.StreamEvent, error) {
	if err := validateRun(req); err != nil {
		return nil, err
	}
	if c.Snapshots != nil && !c.Snapshots.CanPull(ctx, req.SnapshotID) {
		return nil, plzerr.Validation("snapshot %s cannot be pulled from the registry", req.SnapshotID).WithCode(plzerr.CodeSnapshotNotPullable)
	}

	executionID := c.newID()
	top := model.StartMetadata{
		ExecutionID:         executionID,
		Command:             req.Command,
		SnapshotID:          req.SnapshotID,
		Parameters:          req.Parameters,
		InstanceMarketSpec:  req.InstanceMarketSpec,
		ExecutionSpec:       req.ExecutionSpec,
		IndexRange:          req.IndexRange,
		IndicesPerExecution: req.IndicesPerExecution,
		PreviousExecutionID: previousExecutionID,
		ClientMetadata:      req.StartMetadata,
		StartTimestamp:      c.now().Unix(),
	}
	comp := composition.FromIndicesRange(req.IndexRange, executionID)
	units, err := composition.CreateRunnableUnits(comp, top, req.IndicesPerExecution, c.newID)
	if err != nil {
		return nil, err
	}

	if err := c.Storage.StoreStartMetadata(ctx, executionID, top); err != nil {
		return nil, err
	}
	if !comp.IsAtomic() {
		for _, unit := range units {
			if err := c.Storage.StoreStartMetadata(ctx, unit.ExecutionID, unit); err != nil {
				return nil, err
			}
		}
	}
	if err := c.Storage.SetUserLastExecutionID(ctx, req.ExecutionSpec.User, executionID); err != nil {
		return nil, err
	}

	kind := "atomic"
	if !comp.IsAtomic() {
		kind = "indices"
	}
	c.Metrics.ExecutionStarted(kind)
	if c.Logger != nil {
		c.Logger.Info("execution accepted", "execution_id", executionID, "user", req.ExecutionSpec.User, "project", req.ExecutionSpec.Project, "units", len(units))
	}

	// Marked before the id is handed out, so status never sees a unit that
	// is neither acquiring, bound nor published.
	for _, unit := range units {
		c.acquiring.Store(unit.ExecutionID, struct{}{})
	}
	events := make(chan controlapi.StreamEvent, 16)
	go c.dispatch(context.WithoutCancel(ctx), comp, units, events)
	return events, nil
}

func (c *Controller) dispatch(ctx context.Context, comp *composition.Composition, units []model.StartMetadata, events chan<- controlapi.StreamEvent) {
	defer close(events)
	events <- controlapi.StreamEvent{ID: comp.ExecutionID}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		dead []string
	)
	for _, unit := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.runUnit(ctx, unit, events)
			if err == nil {
				c.acquiring.Delete(unit.ExecutionID)
				return
			}
			if c.Logger != nil {
				c.Logger.Warn("execution unit failed to start", "execution_id", unit.ExecutionID, "error", err)
			}
			events <- controlapi.StreamEvent{Error: composition.DescribeComponent(unit) + err.Error()}
			if comp.IsAtomic() {
				if recErr := c.recordFailedStart(ctx, unit, err); recErr != nil && c.Logger != nil {
					c.Logger.Error("could not record failed start", "execution_id", unit.ExecutionID, "error", recErr)
				}
				c.acquiring.Delete(unit.ExecutionID)
				return
			}
			// Stays acquiring until the tombstone is stored.
			mu.Lock()
			comp.Tombstone(unit.ExecutionID)
			dead = append(dead, unit.ExecutionID)
			mu.Unlock()
		}()
	}

	mu.Lock()
	err := c.Storage.StoreExecutionComposition(ctx, comp)
	mu.Unlock()
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("could not store execution composition", "execution_id", comp.ExecutionID, "error", err)
		}
		events <- controlapi.StreamEvent{Error: "store execution composition: " + err.Error()}
	}

	wg.Wait()
	if len(dead) == 0 {
		return
	}
	if err := c.Storage.StoreExecutionComposition(ctx, comp); err != nil && c.Logger != nil {
		c.Logger.Error("could not record failed units", "execution_id", comp.ExecutionID, "error", err)
	}
	for _, id := range dead {
		c.acquiring.Delete(id)
	}
	if err := c.finishParent(ctx, comp.ExecutionID); err != nil && c.Logger != nil {
		c.Logger.Warn("could not index parallel execution", "execution_id", comp.ExecutionID, "error", err)
	}
}

// runUnit acquires an instance for one atomic execution and starts its
// container on it.
func (c *Controller) runUnit(ctx context.Context, unit model.StartMetadata, events chan<- controlapi.StreamEvent) error {
	prefix := composition.DescribeComponent(unit)
	var (
		started    bool
		acquireErr error
	)
	acquire := instances.AcquireRequestFor(unit.ExecutionSpec, unit.InstanceMarketSpec)
	for ev := range c.Provider.AcquireInstance(ctx, unit.ExecutionID, acquire) {
		if ev.Status == instances.StatusFailed {
			acquireErr = ev.Err
			continue
		}
		if ev.Status == instances.StatusStarted {
			started = true
		}
		events <- controlapi.StreamEvent{Status: prefix + string(ev.Status)}
	}
	if !started {
		if acquireErr == nil {
			acquireErr = plzerr.Capacity("no instance was acquired for execution %s", unit.ExecutionID)
		}
		return acquireErr
	}

	inst, err := c.Provider.InstanceFor(ctx, unit.ExecutionID)
	if err != nil {
		return err
	}
	if inst == nil {
		return plzerr.Conflict("the instance of execution %s was released before it started", unit.ExecutionID)
	}
	err = inst.Run(ctx, instances.RunRequest{
		Command:       unit.Command,
		Snapshot:      unit.SnapshotID,
		Parameters:    unit.Parameters,
		IndexRange:    unit.IndexRange,
		DockerRunArgs: unit.ExecutionSpec.DockerRunArgs,
	})
	if err != nil {
		if relErr := c.Provider.ReleaseInstance(ctx, unit.ExecutionID, instances.ReleaseOptions{}); relErr != nil && c.Logger != nil {
			c.Logger.Warn("could not release instance after failed start", "execution_id", unit.ExecutionID, "error", relErr)
		}
		return err
	}
	if c.Logger != nil {
		c.Logger.Info("execution started", "execution_id", unit.ExecutionID, "instance_id", inst.ID())
	}
	return nil
}
