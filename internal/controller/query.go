package controller

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/results"
)

// targets resolves executionID to the atomic executions that make it up.
// With index set, only the execution running that index is returned.
func (c *Controller) targets(ctx context.Context, executionID string, index *int) (model.StartMetadata, *composition.Composition, []string, error) {
	meta, err := c.DescribeExecution(ctx, executionID)
	if err != nil {
		return model.StartMetadata{}, nil, nil, err
	}
	comp, err := c.Storage.RetrieveExecutionComposition(ctx, executionID)
	if err != nil {
		return meta, nil, nil, err
	}
	if index == nil {
		return meta, comp, comp.LeafExecutionIDs(), nil
	}
	if comp.IsAtomic() && meta.IndexRange == nil {
		return meta, nil, nil, plzerr.Validation("execution %s is not parallel; index %d does not apply", executionID, *index)
	}
	sub, ok := comp.SubAt(*index)
	if !ok {
		return meta, nil, nil, plzerr.NotFound("no execution runs index %d of %s", *index, executionID).WithCode(plzerr.CodeExecutionNotFound)
	}
	return meta, comp, []string{sub.ExecutionID}, nil
}

// singleTarget is targets for operations that need exactly one atomic
// execution.
func (c *Controller) singleTarget(ctx context.Context, executionID string, index *int) (string, error) {
	_, comp, leaves, err := c.targets(ctx, executionID, index)
	if err != nil {
		return "", err
	}
	if index == nil && !comp.IsAtomic() {
		return "", plzerr.Validation("execution %s is parallel; an index is required", executionID)
	}
	return leaves[0], nil
}

// GetStatus reports the live state of the instance running executionID, or
// the published results once it was harvested. A parallel execution is
// running while any of its units is, and succeeds when every unit did.
func (c *Controller) GetStatus(ctx context.Context, executionID string) (model.ExecutionStatus, error) {
	meta, comp, leaves, err := c.targets(ctx, executionID, nil)
	if err != nil {
		return model.ExecutionStatus{}, err
	}
	if comp.IsAtomic() {
		if meta.IndexRange != nil {
			// Composition not stored yet: the units are still being dispatched.
			return model.ExecutionStatus{Running: true}, nil
		}
		return c.leafStatus(ctx, executionID)
	}

	running, success, exitStatus := false, true, 0
	for _, leaf := range leaves {
		if comp.IsTombstoned(leaf) && !c.isAcquiring(leaf) {
			success = false
			if exitStatus == 0 {
				exitStatus = failedStartExitStatus
			}
			continue
		}
		st, err := c.leafStatus(ctx, leaf)
		if err != nil {
			if !plzerr.Is(err, plzerr.KindNotFound) {
				return model.ExecutionStatus{}, err
			}
			success = false
			if exitStatus == 0 {
				exitStatus = failedStartExitStatus
			}
			continue
		}
		if st.Running {
			running = true
			continue
		}
		if !st.Success {
			success = false
			if exitStatus == 0 && st.ExitStatus != nil {
				exitStatus = *st.ExitStatus
			}
		}
	}
	if running {
		return model.ExecutionStatus{Running: true}, nil
	}
	return model.ExecutionStatus{Success: success, ExitStatus: &exitStatus}, nil
}

func (c *Controller) leafStatus(ctx context.Context, executionID string) (model.ExecutionStatus, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		return model.ExecutionStatus{}, err
	}
	if inst != nil {
		state, err := inst.ContainerState(ctx)
		if err != nil {
			return model.ExecutionStatus{}, err
		}
		if !state.Exited() {
			return model.ExecutionStatus{Running: true}, nil
		}
		code := state.ExitCode
		return model.ExecutionStatus{Success: code == 0, ExitStatus: &code}, nil
	}
	if c.isAcquiring(executionID) {
		return model.ExecutionStatus{Running: true}, nil
	}

	res, found, err := c.Results.Get(ctx, executionID)
	if err != nil {
		return model.ExecutionStatus{}, err
	}
	if !found {
		return model.ExecutionStatus{}, plzerr.ExecutionNotFound(executionID)
	}
	defer res.Close()
	code := res.ExitStatus()
	return model.ExecutionStatus{Success: code == 0, ExitStatus: &code}, nil
}

type LogsOptions struct {
	// Since drops older lines of a live execution.
	Since time.Time
	Index *int
	// Neither set means both.
	Stdout bool
	Stderr bool
}

// GetLogs follows the output of a live execution until it exits, or returns
// the published logs. Without an index, the logs of a parallel execution
// are those of every unit in turn, each line prefixed with the unit's
// indices.
func (c *Controller) GetLogs(ctx context.Context, executionID string, opts LogsOptions) (io.ReadCloser, error) {
	if !opts.Stdout && !opts.Stderr {
		opts.Stdout, opts.Stderr = true, true
	}
	_, comp, leaves, err := c.targets(ctx, executionID, opts.Index)
	if err != nil {
		return nil, err
	}
	if opts.Index != nil || comp.IsAtomic() {
		return c.leafLogs(ctx, leaves[0], opts)
	}

	pr, pw := io.Pipe()
	go func() {
		for _, leaf := range leaves {
			if comp.IsTombstoned(leaf) {
				continue
			}
			meta, err := c.Storage.RetrieveStartMetadata(ctx, leaf)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			rc, err := c.leafLogs(ctx, leaf, opts)
			if err != nil {
				if plzerr.Is(err, plzerr.KindNotFound) {
					continue
				}
				pw.CloseWithError(err)
				return
			}
			err = copyPrefixed(pw, rc, composition.DescribeComponent(meta))
			_ = rc.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		_ = pw.Close()
	}()
	return pr, nil
}

func (c *Controller) leafLogs(ctx context.Context, executionID string, opts LogsOptions) (io.ReadCloser, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst.Logs(ctx, instances.LogsOptions{
			Stdout: opts.Stdout,
			Stderr: opts.Stderr,
			Since:  opts.Since,
			Follow: true,
		})
	}
	return c.fromResults(ctx, executionID, func(res results.Results) (io.ReadCloser, error) {
		return res.Logs(ctx)
	})
}

func (c *Controller) GetOutputFiles(ctx context.Context, executionID, path string, index *int) (io.ReadCloser, error) {
	leaf, err := c.singleTarget(ctx, executionID, index)
	if err != nil {
		return nil, err
	}
	inst, err := c.Provider.InstanceFor(ctx, leaf)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst.OutputFilesTarball(ctx, path)
	}
	return c.fromResults(ctx, leaf, func(res results.Results) (io.ReadCloser, error) {
		return res.OutputTarball(ctx, path)
	})
}

// GetMeasures returns the measures of an execution as a JSON object, or
// only its summary measure.
func (c *Controller) GetMeasures(ctx context.Context, executionID string, summary bool, index *int) ([]byte, error) {
	leaf, err := c.singleTarget(ctx, executionID, index)
	if err != nil {
		return nil, err
	}
	inst, err := c.Provider.InstanceFor(ctx, leaf)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		tarball, err := inst.MeasuresFilesTarball(ctx)
		if err != nil {
			return nil, err
		}
		defer tarball.Close()
		return results.MeasuresFromTarball(tarball, summary)
	}

	res, found, err := c.Results.Get(ctx, leaf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, plzerr.ExecutionNotFound(leaf)
	}
	defer res.Close()
	return res.Measures(ctx, summary)
}

// fromResults opens a stream from the published results of executionID. The
// results stay locked until the stream is closed.
func (c *Controller) fromResults(ctx context.Context, executionID string, open func(results.Results) (io.ReadCloser, error)) (io.ReadCloser, error) {
	res, found, err := c.Results.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, plzerr.ExecutionNotFound(executionID)
	}
	rc, err := open(res)
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	return &resultsStream{ReadCloser: rc, results: res}, nil
}

type resultsStream struct {
	io.ReadCloser
	results results.Results
}

func (s *resultsStream) Close() error {
	return errors.Join(s.ReadCloser.Close(), s.results.Close())
}

func copyPrefixed(w io.Writer, r io.Reader, prefix string) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if _, werr := io.WriteString(w, prefix+line); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
