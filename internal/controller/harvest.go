package controller

import (
	"context"
	"strings"

	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/results"
)

// Harvest publishes the results of every exited execution, releases their
// instances and disposes instances idle past their budget.
func (c *Controller) Harvest(ctx context.Context) error {
	return c.Provider.TidyUp(ctx, c.harvestInstance)
}

// DeleteExecution harvests an execution and releases its instances. A
// running execution is refused with failIfRunning and stopped otherwise. An
// execution that holds no instance any more is refused with failIfDeleted.
func (c *Controller) DeleteExecution(ctx context.Context, executionID string, failIfRunning, failIfDeleted bool) error {
	_, comp, leaves, err := c.targets(ctx, executionID, nil)
	if err != nil {
		return err
	}

	bound := make(map[string]*instances.Instance, len(leaves))
	for _, leaf := range leaves {
		if comp.IsTombstoned(leaf) {
			continue
		}
		inst, err := c.Provider.InstanceFor(ctx, leaf)
		if err != nil {
			return err
		}
		if inst == nil {
			continue
		}
		if failIfRunning {
			state, err := inst.ContainerState(ctx)
			if err != nil {
				return err
			}
			if state != nil && state.Running {
				return plzerr.Conflict("execution %s is still running", leaf).WithCode(plzerr.CodeInstanceStillRunning)
			}
		}
		bound[leaf] = inst
	}
	if len(bound) == 0 {
		if failIfDeleted {
			return plzerr.Conflict("execution %s was already harvested", executionID).WithCode(plzerr.CodeExecutionAlreadyHarvested)
		}
		return nil
	}

	for leaf, inst := range bound {
		state, err := inst.ContainerState(ctx)
		if err != nil {
			return err
		}
		if state != nil && state.Running {
			if err := inst.Stop(ctx, stopTimeout); err != nil {
				return err
			}
			if state, err = inst.ContainerState(ctx); err != nil {
				return err
			}
		}
		if err := c.harvestInstance(ctx, inst, state); err != nil {
			return err
		}
		opts := instances.ReleaseOptions{}
		if state.Exited() {
			opts.IdleSince = state.FinishedAt
		}
		if err := c.Provider.ReleaseInstance(ctx, leaf, opts); err != nil {
			return err
		}
	}
	if c.Logger != nil {
		c.Logger.Info("execution deleted", "execution_id", executionID)
	}
	return nil
}

// harvestInstance publishes the artifacts of the execution bound to inst.
// It does nothing for executions without a container or already published.
func (c *Controller) harvestInstance(ctx context.Context, inst *instances.Instance, state *containers.State) error {
	executionID := inst.ExecutionID()
	if executionID == "" || state == nil || state.Status == "created" {
		return nil
	}
	finished, err := c.Results.IsFinished(ctx, executionID)
	if err != nil {
		return err
	}
	if finished {
		return nil
	}

	meta, err := c.Storage.RetrieveStartMetadata(ctx, executionID)
	if err != nil {
		if !plzerr.Is(err, plzerr.KindNotFound) {
			return err
		}
		meta = model.StartMetadata{ExecutionID: executionID}
	}

	logs, err := inst.Logs(ctx, instances.LogsOptions{Stdout: true, Stderr: true})
	if err != nil {
		return err
	}
	defer logs.Close()
	req := results.PublishRequest{
		ExitStatus: state.ExitCode,
		Logs:       logs,
		Metadata:   meta,
		FinishedAt: state.FinishedAt,
	}
	// A missing output or measures directory publishes an empty one.
	output, err := inst.OutputFilesTarball(ctx, "")
	switch {
	case err == nil:
		defer output.Close()
		req.Output = output
	case !plzerr.Is(err, plzerr.KindNotFound):
		return err
	}
	measures, err := inst.MeasuresFilesTarball(ctx)
	switch {
	case err == nil:
		defer measures.Close()
		req.Measures = measures
	case !plzerr.Is(err, plzerr.KindNotFound):
		return err
	}

	published, err := c.Results.Publish(ctx, executionID, req)
	if err != nil {
		return err
	}
	if !published {
		return nil
	}

	outcome := "success"
	if state.ExitCode != 0 {
		outcome = "failure"
	}
	c.Metrics.ExecutionHarvested(outcome)
	if c.Logger != nil {
		c.Logger.Info("harvested execution", "execution_id", executionID, "instance_id", inst.ID(), "exit_status", state.ExitCode)
	}

	spec := meta.ExecutionSpec
	if spec.User != "" && spec.Project != "" {
		if err := c.Storage.AddFinishedExecutionID(ctx, spec.User, spec.Project, executionID); err != nil {
			return err
		}
	}
	if meta.ParentExecutionID != "" {
		return c.finishParent(ctx, meta.ParentExecutionID)
	}
	return nil
}

// finishParent records a parallel execution as finished once every live
// unit of it has published results.
func (c *Controller) finishParent(ctx context.Context, parentID string) error {
	parent, err := c.Storage.RetrieveStartMetadata(ctx, parentID)
	if err != nil {
		return err
	}
	comp, err := c.Storage.RetrieveExecutionComposition(ctx, parentID)
	if err != nil {
		return err
	}
	for _, leaf := range comp.LiveLeafExecutionIDs() {
		finished, err := c.Results.IsFinished(ctx, leaf)
		if err != nil {
			return err
		}
		if !finished {
			return nil
		}
	}
	spec := parent.ExecutionSpec
	return c.Storage.AddFinishedExecutionID(ctx, spec.User, spec.Project, parentID)
}

// failedStartExitStatus is reported for executions whose container never
// started.
const failedStartExitStatus = 1

// recordFailedStart publishes the results of an atomic execution that could
// not be started, with the failure as its logs, so that it finishes like any
// other execution.
func (c *Controller) recordFailedStart(ctx context.Context, meta model.StartMetadata, cause error) error {
	published, err := c.Results.Publish(ctx, meta.ExecutionID, results.PublishRequest{
		ExitStatus: failedStartExitStatus,
		Logs:       strings.NewReader(cause.Error() + "\n"),
		Metadata:   meta,
		FinishedAt: c.now(),
	})
	if err != nil || !published {
		return err
	}
	c.Metrics.ExecutionHarvested("start_failed")
	spec := meta.ExecutionSpec
	if spec.User != "" && spec.Project != "" {
		return c.Storage.AddFinishedExecutionID(ctx, spec.User, spec.Project, meta.ExecutionID)
	}
	return nil
}
