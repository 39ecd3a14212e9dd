package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	archive "github.com/moby/go-archive"
	"github.com/prodo-dev/plz/client"
)

type PingCommand struct {
	ClientFlags `embed:""`
}

func (p *PingCommand) Run(ctx *runtimeContext) error {
	c, err := p.client()
	if err != nil {
		return err
	}
	resp, err := c.Ping(context.Background())
	if err != nil {
		return err
	}
	if resp.BuildTimestamp != nil {
		_, err = fmt.Fprintf(ctx.Stdout, "plz %s (build %d)\n", resp.Plz, *resp.BuildTimestamp)
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "plz %s\n", resp.Plz)
	return err
}

type SnapshotCommand struct {
	ClientFlags `embed:""`

	Project string   `help:"Project the snapshot belongs to (defaults to the directory name)"`
	Exclude []string `help:"Patterns excluded from the build context"`
	Dir     string   `arg:"" optional:"" help:"Directory holding the Dockerfile (default: current directory)" type:"path"`
}

func (s *SnapshotCommand) Run(ctx *runtimeContext) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	tag, err := s.build(context.Background(), ctx, c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, tag)
	return err
}

func (s *SnapshotCommand) build(bg context.Context, ctx *runtimeContext, c *client.Client) (string, error) {
	dir := s.Dir
	if strings.TrimSpace(dir) == "" {
		dir = ctx.CWD
	}
	u, err := s.user()
	if err != nil {
		return "", err
	}
	project := strings.TrimSpace(s.Project)
	if project == "" {
		project = filepath.Base(dir)
	}
	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: s.Exclude})
	if err != nil {
		return "", fmt.Errorf("tar build context %s: %w", dir, err)
	}
	defer buildContext.Close()

	return c.BuildSnapshot(bg, client.SnapshotMetadata{
		User:      u,
		Project:   project,
		Timestamp: time.Now().UnixMilli(),
	}, buildContext, func(line string) {
		_, _ = io.WriteString(ctx.Stderr, line)
	})
}

// parseIndexRange reads "start:end".
func parseIndexRange(raw string) (*client.IndexRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	startRaw, endRaw, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("parallel indices must look like start:end, got %q", raw)
	}
	start, err := strconv.Atoi(strings.TrimSpace(startRaw))
	if err != nil {
		return nil, fmt.Errorf("parallel indices start %q: %w", startRaw, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endRaw))
	if err != nil {
		return nil, fmt.Errorf("parallel indices end %q: %w", endRaw, err)
	}
	return &client.IndexRange{Start: start, End: end}, nil
}

func readParameters(path string) (json.RawMessage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("parameters file %s is not valid JSON", path)
	}
	return json.RawMessage(b), nil
}

type WaitFlags struct {
	Detach  bool          `help:"Return once the execution started instead of following its logs"`
	Timeout time.Duration `help:"Give up waiting after this long"`
}

// await follows a started execution and maps its exit status onto the
// process exit code.
func (w WaitFlags) await(bg context.Context, ctx *runtimeContext, c *client.Client, stream *client.EventStream) error {
	if w.Detach {
		result, err := client.DrainStream(stream, ctx.Stderr)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(ctx.Stdout, result.ExecutionID); err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return exitCodeError{code: 1}
		}
		return nil
	}

	result, err := c.Await(bg, stream, client.RunOptions{
		Progress: ctx.Stderr,
		Logs:     ctx.Stdout,
		Timeout:  w.Timeout,
	})
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return exitCodeError{code: 1}
	}
	if s := result.Status.ExitStatus; s != nil && *s != 0 {
		return exitCodeError{code: *s}
	}
	return nil
}

type RunCommand struct {
	ClientFlags `embed:""`
	WaitFlags   `embed:""`

	Snapshot            string `help:"Snapshot to run on (default: build one from --build)"`
	Build               string `help:"Build a snapshot from this directory first" type:"path"`
	Project             string `help:"Project the execution belongs to"`
	Parameters          string `help:"JSON file with the execution parameters" type:"path"`
	ParallelIndices     string `name:"parallel-indices" help:"Fan out over an index range, as start:end"`
	IndicesPerExecution int    `help:"Indices handled by each sub-execution of a parallel run" default:"1"`
	InstanceType        string `help:"Instance type to request"`
	MaxIdleMinutes      *int   `help:"Minutes an instance may stay idle after this execution"`
	MaxUptimeMinutes    *int   `help:"Stop the execution after this many minutes"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command to run"`
}

func (r *RunCommand) request(u, snapshot string) (client.RunRequest, error) {
	params, err := readParameters(r.Parameters)
	if err != nil {
		return client.RunRequest{}, err
	}
	indices, err := parseIndexRange(r.ParallelIndices)
	if err != nil {
		return client.RunRequest{}, err
	}
	req := client.RunRequest{
		Command:    append([]string(nil), r.Command...),
		SnapshotID: snapshot,
		Parameters: params,
		ExecutionSpec: client.ExecutionSpec{
			User:                       u,
			Project:                    r.Project,
			InstanceType:               r.InstanceType,
			InstanceMaxUptimeInMinutes: r.MaxUptimeMinutes,
		},
		InstanceMarketSpec: client.InstanceMarketSpec{InstanceMaxIdleTimeInMinutes: r.MaxIdleMinutes},
		IndexRange:         indices,
	}
	if indices != nil {
		req.IndicesPerExecution = r.IndicesPerExecution
	}
	return req, nil
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	logger, err := r.logger()
	if err != nil {
		return err
	}
	c, err := r.client()
	if err != nil {
		return err
	}
	u, err := r.user()
	if err != nil {
		return err
	}
	bg := context.Background()

	snapshot := strings.TrimSpace(r.Snapshot)
	if snapshot == "" {
		if strings.TrimSpace(r.Build) == "" {
			return fmt.Errorf("pass --snapshot or --build")
		}
		build := SnapshotCommand{ClientFlags: r.ClientFlags, Project: r.Project, Dir: r.Build}
		if snapshot, err = build.build(bg, ctx, c); err != nil {
			return err
		}
	}
	req, err := r.request(u, snapshot)
	if err != nil {
		return err
	}
	if req.ExecutionSpec.Project == "" {
		req.ExecutionSpec.Project = filepath.Base(ctx.CWD)
	}
	logger.Debug("starting execution", "snapshot", snapshot, "user", u, "project", req.ExecutionSpec.Project, "command_argc", len(req.Command))

	stream, err := c.Run(bg, req)
	if err != nil {
		return err
	}
	return r.await(bg, ctx, c, stream)
}

type RerunCommand struct {
	ClientFlags `embed:""`
	WaitFlags   `embed:""`

	Project          string `help:"Project the new execution belongs to (defaults to the original's)"`
	Parameters       string `help:"JSON file whose keys override the original parameters" type:"path"`
	MaxUptimeMinutes *int   `help:"Stop the execution after this many minutes"`

	ID string `arg:"" optional:"" help:"Execution to rerun (default: your most recent)"`
}

func (r *RerunCommand) Run(ctx *runtimeContext) error {
	c, err := r.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := r.executionID(bg, c, r.ID)
	if err != nil {
		return err
	}
	u, err := r.user()
	if err != nil {
		return err
	}
	params, err := readParameters(r.Parameters)
	if err != nil {
		return err
	}
	stream, err := c.Rerun(bg, client.RerunRequest{
		User:                       u,
		Project:                    r.Project,
		ExecutionID:                id,
		OverrideParameters:         params,
		InstanceMaxUptimeInMinutes: r.MaxUptimeMinutes,
	})
	if err != nil {
		return err
	}
	return r.await(bg, ctx, c, stream)
}

type ListCommand struct {
	ClientFlags `embed:""`

	All  bool `help:"List executions of every user"`
	JSON bool `help:"Print as JSON"`
}

func (l *ListCommand) Run(ctx *runtimeContext) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	u := ""
	if !l.All {
		if u, err = l.user(); err != nil {
			return err
		}
	}
	infos, err := c.ListExecutions(context.Background(), u, l.All)
	if err != nil {
		return err
	}
	if l.JSON {
		return printJSON(ctx.Stdout, infos)
	}
	for _, info := range infos {
		idle := "-"
		if info.IdleSinceTimestamp != nil {
			idle = time.Unix(*info.IdleSinceTimestamp, 0).UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(ctx.Stdout, "%s\t%s\t%s\t%s\tidle_since=%s\n", info.ExecutionID, info.InstanceID, info.Status, info.InstanceType, idle); err != nil {
			return err
		}
	}
	return nil
}

type HistoryCommand struct {
	ClientFlags `embed:""`

	Project string `required:"" help:"Project to show"`
}

func (h *HistoryCommand) Run(ctx *runtimeContext) error {
	c, err := h.client()
	if err != nil {
		return err
	}
	u, err := h.user()
	if err != nil {
		return err
	}
	entries, err := c.History(context.Background(), u, h.Project)
	if err != nil {
		return err
	}
	return printJSON(ctx.Stdout, entries)
}

type StatusCommand struct {
	ClientFlags `embed:""`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := s.executionID(bg, c, s.ID)
	if err != nil {
		return err
	}
	status, err := c.Status(bg, id)
	if err != nil {
		return err
	}
	switch {
	case status.Running:
		_, err = fmt.Fprintf(ctx.Stdout, "%s: running\n", id)
	case status.ExitStatus != nil:
		_, err = fmt.Fprintf(ctx.Stdout, "%s: exited with status %d\n", id, *status.ExitStatus)
	default:
		_, err = fmt.Fprintf(ctx.Stdout, "%s: finished\n", id)
	}
	return err
}

type DescribeCommand struct {
	ClientFlags `embed:""`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (d *DescribeCommand) Run(ctx *runtimeContext) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := d.executionID(bg, c, d.ID)
	if err != nil {
		return err
	}
	meta, err := c.Describe(bg, id)
	if err != nil {
		return err
	}
	return printJSON(ctx.Stdout, meta)
}

type CompositionCommand struct {
	ClientFlags `embed:""`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (cc *CompositionCommand) Run(ctx *runtimeContext) error {
	c, err := cc.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := cc.executionID(bg, c, cc.ID)
	if err != nil {
		return err
	}
	comp, err := c.Composition(bg, id)
	if err != nil {
		return err
	}
	return printJSON(ctx.Stdout, &comp)
}

type LogsCommand struct {
	ClientFlags `embed:""`

	Index  *int          `help:"Index of a parallel execution"`
	Since  time.Duration `help:"Only lines from this long ago onwards"`
	Stdout bool          `help:"Only standard output"`
	Stderr bool          `help:"Only standard error"`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (l *LogsCommand) Run(ctx *runtimeContext) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := l.executionID(bg, c, l.ID)
	if err != nil {
		return err
	}
	opts := client.LogsOptions{Index: l.Index, Stdout: l.Stdout, Stderr: l.Stderr}
	if l.Since > 0 {
		opts.Since = time.Now().Add(-l.Since).Unix()
	}
	logs, err := c.Logs(bg, id, opts)
	if err != nil {
		return err
	}
	defer logs.Close()
	_, err = io.Copy(ctx.Stdout, logs)
	return err
}

type OutputCommand struct {
	ClientFlags `embed:""`

	Index *int   `help:"Index of a parallel execution"`
	Path  string `help:"Only this path within the output directory"`
	Dir   string `help:"Directory to extract into (default: output/<execution id>)" type:"path"`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (o *OutputCommand) Run(ctx *runtimeContext) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := o.executionID(bg, c, o.ID)
	if err != nil {
		return err
	}
	dir := o.Dir
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(ctx.CWD, "output", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tarball, err := c.OutputFiles(bg, id, o.Path, o.Index)
	if err != nil {
		return err
	}
	defer tarball.Close()
	if err := archive.Untar(tarball, dir, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("extract output of %s: %w", id, err)
	}
	_, err = fmt.Fprintln(ctx.Stdout, dir)
	return err
}

type MeasuresCommand struct {
	ClientFlags `embed:""`

	Summary bool `help:"Only the summary measures"`
	Index   *int `help:"Index of a parallel execution"`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (m *MeasuresCommand) Run(ctx *runtimeContext) error {
	c, err := m.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := m.executionID(bg, c, m.ID)
	if err != nil {
		return err
	}
	measures, err := c.Measures(bg, id, m.Summary, m.Index)
	if err != nil {
		return err
	}
	return printJSON(ctx.Stdout, measures)
}

type DeleteCommand struct {
	ClientFlags `embed:""`

	Force bool `help:"Stop the execution if it is still running"`

	ID string `arg:"" optional:"" help:"Execution id (default: your most recent)"`
}

func (d *DeleteCommand) Run(ctx *runtimeContext) error {
	c, err := d.client()
	if err != nil {
		return err
	}
	bg := context.Background()
	id, err := d.executionID(bg, c, d.ID)
	if err != nil {
		return err
	}
	if err := c.Delete(bg, id, !d.Force, false); err != nil {
		if client.ErrCode(err) == client.ErrorCodeInstanceStillRunning {
			return fmt.Errorf("%w; pass --force to stop it", err)
		}
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "deleted %s\n", id)
	return err
}

type KillCommand struct {
	ClientFlags `embed:""`

	All             bool `help:"Kill every instance"`
	Force           bool `help:"Kill instances that are running an execution"`
	IgnoreOwnership bool `help:"Kill instances of other users too"`

	InstanceIDs []string `arg:"" optional:"" name:"instance-id" help:"Instances to kill"`
}

func (k *KillCommand) Run(ctx *runtimeContext) error {
	c, err := k.client()
	if err != nil {
		return err
	}
	u, err := k.user()
	if err != nil {
		return err
	}
	resp, err := c.KillInstances(context.Background(), client.KillInstancesRequest{
		InstanceIDs:     k.InstanceIDs,
		AllOfThem:       k.All,
		ForceIfNotIdle:  k.Force,
		User:            u,
		IgnoreOwnership: k.IgnoreOwnership,
	})
	if err != nil {
		for id, reason := range client.FailedInstances(err) {
			_, _ = fmt.Fprintf(ctx.Stderr, "%s: %s\n", id, reason)
		}
		return err
	}
	if resp.WarningMessage != "" {
		_, _ = fmt.Fprintln(ctx.Stderr, resp.WarningMessage)
	}
	return nil
}

type HarvestCommand struct {
	ClientFlags `embed:""`
}

func (h *HarvestCommand) Run(ctx *runtimeContext) error {
	c, err := h.client()
	if err != nil {
		return err
	}
	resp, err := c.Harvest(context.Background())
	if err != nil {
		return err
	}
	for _, msg := range resp.Errors {
		_, _ = fmt.Fprintln(ctx.Stderr, msg)
	}
	if len(resp.Errors) > 0 {
		return exitCodeError{code: 1}
	}
	return nil
}

type LastCommand struct {
	ClientFlags `embed:""`
}

func (l *LastCommand) Run(ctx *runtimeContext) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	id, err := l.executionID(context.Background(), c, "")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, id)
	return err
}
