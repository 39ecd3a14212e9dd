// Package controller ties instance acquisition, execution composition,
// metadata and results together into the operations the control API serves.
package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/ids"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/results"
)

// Metadata is the durable store of start metadata, compositions and the
// per-user indices.
type Metadata interface {
	Ping(ctx context.Context) error
	StoreStartMetadata(ctx context.Context, executionID string, metadata model.StartMetadata) error
	RetrieveStartMetadata(ctx context.Context, executionID string) (model.StartMetadata, error)
	StoreExecutionComposition(ctx context.Context, c *composition.Composition) error
	RetrieveExecutionComposition(ctx context.Context, executionID string) (*composition.Composition, error)
	AddFinishedExecutionID(ctx context.Context, user, project, executionID string) error
	RetrieveFinishedExecutionIDs(ctx context.Context, user, project string) ([]string, error)
	SetUserLastExecutionID(ctx context.Context, user, executionID string) error
	GetUserLastExecutionID(ctx context.Context, user string) (string, error)
}

// Builder builds snapshot images from a tarred build context.
type Builder interface {
	Build(ctx context.Context, buildContext io.Reader, meta images.BuildMetadata, emit func(line string)) (string, error)
}

// SnapshotProbe reports whether instances will be able to pull a snapshot.
type SnapshotProbe interface {
	CanPull(ctx context.Context, tag string) bool
}

type Controller struct {
	Provider instances.InstanceProvider
	Storage  Metadata
	Results  results.Store
	Images   Builder
	// Snapshots, when set, refuses runs of snapshots the registry does not
	// serve.
	Snapshots SnapshotProbe

	Logger  *log.Logger
	Metrics *metrics.Metrics

	// BuildTimestamp is reported by Ping when set.
	BuildTimestamp *int64
	Now            func() time.Time
	NewID          func() string

	// acquiring holds the atomic executions dispatched but not yet bound to
	// an instance, or whose failure to start is not recorded yet.
	acquiring sync.Map
}

// isAcquiring reports whether executionID is waiting for an instance in this
// process.
func (c *Controller) isAcquiring(executionID string) bool {
	_, ok := c.acquiring.Load(executionID)
	return ok
}

const stopTimeout = 10 * time.Second

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return ids.NewExecutionID()
}

func (c *Controller) Ping(ctx context.Context) (controlapi.PingResponse, error) {
	if err := c.Storage.Ping(ctx); err != nil {
		return controlapi.PingResponse{}, plzerr.Backend("metadata storage unavailable").Wrap(err)
	}
	return controlapi.PingResponse{Plz: "pong", BuildTimestamp: c.BuildTimestamp}, nil
}

func (c *Controller) DescribeExecution(ctx context.Context, executionID string) (model.StartMetadata, error) {
	if strings.TrimSpace(executionID) == "" {
		return model.StartMetadata{}, plzerr.Validation("missing execution id")
	}
	return c.Storage.RetrieveStartMetadata(ctx, executionID)
}

// GetExecutionComposition returns the composition tree of executionID. Indices
// not dispatched yet are absent from the result.
func (c *Controller) GetExecutionComposition(ctx context.Context, executionID string) (*composition.Jsonable, error) {
	if _, err := c.DescribeExecution(ctx, executionID); err != nil {
		return nil, err
	}
	comp, err := c.Storage.RetrieveExecutionComposition(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return comp.Jsonable(), nil
}

// LastExecutionID returns "" when user never started an execution.
func (c *Controller) LastExecutionID(ctx context.Context, user string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", plzerr.Validation("missing user")
	}
	return c.Storage.GetUserLastExecutionID(ctx, user)
}

// ListExecutions lists every instance with what it is doing. Instances bound
// to other users are left out unless forAllUsers is set.
func (c *Controller) ListExecutions(ctx context.Context, user string, forAllUsers bool) ([]model.ExecutionInfo, error) {
	insts, err := c.Provider.Instances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]model.ExecutionInfo, 0, len(insts))
	for _, inst := range insts {
		info, err := inst.ExecutionInfo(ctx)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("could not inspect instance", "instance_id", inst.ID(), "error", err)
			}
			info.Status = "unknown"
		}
		if !forAllUsers && info.ExecutionID != "" && info.User != user {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// GetHistory lists the finished executions of user in project.
func (c *Controller) GetHistory(ctx context.Context, user, project string) ([]controlapi.HistoryEntry, error) {
	executionIDs, err := c.Storage.RetrieveFinishedExecutionIDs(ctx, user, project)
	if err != nil {
		return nil, err
	}
	out := make([]controlapi.HistoryEntry, 0, len(executionIDs))
	for _, executionID := range executionIDs {
		entry, err := c.historyEntry(ctx, executionID)
		if err != nil {
			if plzerr.Is(err, plzerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Controller) historyEntry(ctx context.Context, executionID string) (controlapi.HistoryEntry, error) {
	res, found, err := c.Results.Get(ctx, executionID)
	if err != nil {
		return controlapi.HistoryEntry{}, err
	}
	if found {
		defer res.Close()
		exitStatus := res.ExitStatus()
		return controlapi.HistoryEntry{
			ExecutionID:   executionID,
			StartMetadata: res.Metadata().StartMetadata,
			ExitStatus:    &exitStatus,
			FinishedAt:    res.Metadata().FinishedAt,
		}, nil
	}

	// Fan-out parents have no results of their own.
	meta, err := c.Storage.RetrieveStartMetadata(ctx, executionID)
	if err != nil {
		return controlapi.HistoryEntry{}, err
	}
	status, err := c.GetStatus(ctx, executionID)
	if err != nil && !plzerr.Is(err, plzerr.KindNotFound) {
		return controlapi.HistoryEntry{}, err
	}
	return controlapi.HistoryEntry{ExecutionID: executionID, StartMetadata: meta, ExitStatus: status.ExitStatus}, nil
}

// KillInstances terminates instances by id, or every instance with
// AllOfThem. Busy instances are only killed with ForceIfNotIdle.
func (c *Controller) KillInstances(ctx context.Context, req controlapi.KillInstancesRequest) (controlapi.KillInstancesResponse, error) {
	if req.AllOfThem && len(req.InstanceIDs) > 0 {
		return controlapi.KillInstancesResponse{}, plzerr.Validation("instance_ids and all_of_them are mutually exclusive")
	}
	if !req.AllOfThem && len(req.InstanceIDs) == 0 {
		return controlapi.KillInstancesResponse{}, plzerr.Validation("either instance_ids or all_of_them is required")
	}
	kill := instances.KillRequest{
		InstanceIDs:     req.InstanceIDs,
		User:            req.User,
		IgnoreOwnership: req.IgnoreOwnership,
		IncludingIdle:   req.AllOfThem,
		ForceIfNotIdle:  req.ForceIfNotIdle,
	}
	if req.AllOfThem {
		kill.InstanceIDs = nil
	}
	killed, err := c.Provider.KillInstances(ctx, kill)
	if err != nil {
		return controlapi.KillInstancesResponse{}, err
	}
	if !killed {
		return controlapi.KillInstancesResponse{WarningMessage: "there were no instances to kill"}, nil
	}
	return controlapi.KillInstancesResponse{}, nil
}

// BuildSnapshot builds the image for a build context, pushes it and returns
// its tag. Build output is passed to emit line by line.
func (c *Controller) BuildSnapshot(ctx context.Context, meta images.BuildMetadata, buildContext io.Reader, emit func(line string)) (string, error) {
	if c.Images == nil {
		return "", plzerr.Backend("this controller cannot build snapshots")
	}
	if err := meta.Validate(); err != nil {
		return "", err
	}
	tag, err := c.Images.Build(ctx, buildContext, meta, emit)
	if err != nil {
		return "", err
	}
	if err := c.Provider.Push(ctx, tag); err != nil {
		return "", plzerr.Backend("push snapshot %s", tag).Wrap(err)
	}
	if c.Logger != nil {
		c.Logger.Info("built snapshot", "snapshot", tag, "user", meta.User, "project", meta.Project)
	}
	return tag, nil
}
