package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prodo-dev/plz/internal/containers/containerstest"
	"github.com/prodo-dev/plz/internal/controller"
	"github.com/prodo-dev/plz/internal/controlserver"
	"github.com/prodo-dev/plz/internal/dbstorage"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/results"
	"github.com/prodo-dev/plz/internal/volumes"
)

func startIntegrationServer(t *testing.T, fake *containerstest.Fake) string {
	t.Helper()

	pool := &instances.Pool{
		Backend: &instances.LocalhostBackend{
			Runtime: instances.Runtime{
				Containers: fake,
				Volumes:    &volumes.Volumes{Containers: fake, StagingDir: t.TempDir()},
			},
			Tags: &instances.TagStore{Dir: t.TempDir()},
		},
		MaxTries: 2,
		Delay:    time.Millisecond,
	}
	storage, err := dbstorage.Open(context.Background(), dbstorage.Options{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "plz.db"),
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	store, err := results.NewFSStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open results: %v", err)
	}

	var n atomic.Int64
	ctl := &controller.Controller{
		Provider: pool,
		Storage:  storage,
		Results:  store,
		NewID:    func() string { return fmt.Sprintf("exec_%d", n.Add(1)) },
	}
	httpServer := httptest.NewServer(controlserver.New(ctl, controlserver.Options{Metrics: metrics.New()}).Handler())
	t.Cleanup(httpServer.Close)
	return httpServer.URL
}

func testRun(user string) RunRequest {
	return RunRequest{
		Command:       []string{"./main.sh"},
		SnapshotID:    "plz/builds:alice-demo-1",
		Parameters:    json.RawMessage(`{"foo": 55}`),
		ExecutionSpec: ExecutionSpec{User: user, Project: "demo"},
	}
}

func TestRunAndWaitFollowsLogsUntilExit(t *testing.T) {
	t.Parallel()

	fake := containerstest.New()
	exitCode := 0
	fake.ExitOnStart = &exitCode
	fake.Output[instances.ContainerName("exec_1")] = "hello from plz\n"
	c := Must(New(startIntegrationServer(t, fake)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var progress, logs bytes.Buffer
	result, err := c.RunAndWait(ctx, testRun("alice"), RunOptions{
		Progress:     &progress,
		Logs:         &logs,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunAndWait returned error: %v", err)
	}
	if got, want := result.ExecutionID, "exec_1"; got != want {
		t.Fatalf("unexpected execution id: got %q want %q", got, want)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Status.ExitStatus == nil || *result.Status.ExitStatus != 0 {
		t.Fatalf("unexpected exit status: %+v", result.Status)
	}
	if got, want := logs.String(), "hello from plz\n"; got != want {
		t.Fatalf("unexpected logs: got %q want %q", got, want)
	}
	if !strings.Contains(progress.String(), "started") {
		t.Fatalf("expected progress to report the start, got %q", progress.String())
	}

	last, err := c.LastExecutionID(ctx, "alice")
	if err != nil {
		t.Fatalf("LastExecutionID returned error: %v", err)
	}
	if last != "exec_1" {
		t.Fatalf("unexpected last execution id: %q", last)
	}
	if none, err := c.LastExecutionID(ctx, "bob"); err != nil || none != "" {
		t.Fatalf("expected no execution for bob, got %q, %v", none, err)
	}

	meta, err := c.Describe(ctx, "exec_1")
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	if meta.ExecutionSpec.User != "alice" || meta.SnapshotID != "plz/builds:alice-demo-1" {
		t.Fatalf("unexpected start metadata: %+v", meta)
	}

	harvested, err := c.Harvest(ctx)
	if err != nil {
		t.Fatalf("Harvest returned error: %v", err)
	}
	if len(harvested.Errors) != 0 {
		t.Fatalf("unexpected harvest errors: %v", harvested.Errors)
	}
	history, err := c.History(ctx, "alice", "demo")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || history[0].ExecutionID != "exec_1" {
		t.Fatalf("unexpected history: %+v", history)
	}

	err = c.Delete(ctx, "exec_1", true, true)
	if got, want := ErrCode(err), ErrorCodeExecutionAlreadyHarvested; got != want {
		t.Fatalf("unexpected delete error code: got %q want %q (err=%v)", got, want, err)
	}
}

func TestRunAndWaitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	c := Must(New(startIntegrationServer(t, containerstest.New())))
	req := testRun("alice")
	req.Command = nil

	_, err := c.RunAndWait(context.Background(), req, RunOptions{})
	if got, want := ErrCode(err), ErrorCodeInvalidArgument; got != want {
		t.Fatalf("unexpected error code: got %q want %q (err=%v)", got, want, err)
	}
}

func TestWaitForExecutionStopsAtDeadline(t *testing.T) {
	t.Parallel()

	fake := containerstest.New()
	c := Must(New(startIntegrationServer(t, fake)))

	stream, err := c.Run(context.Background(), testRun("alice"))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	started, err := DrainStream(stream, nil)
	if err != nil {
		t.Fatalf("DrainStream returned error: %v", err)
	}

	err = c.Delete(context.Background(), started.ExecutionID, true, false)
	if got, want := ErrCode(err), ErrorCodeInstanceStillRunning; got != want {
		t.Fatalf("unexpected delete error code: got %q want %q (err=%v)", got, want, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	status, err := c.WaitForExecution(ctx, started.ExecutionID, 10*time.Millisecond)
	if got, want := ErrCode(err), ErrorCodeDeadlineExceeded; got != want {
		t.Fatalf("unexpected wait error code: got %q want %q (err=%v)", got, want, err)
	}
	if !status.Running {
		t.Fatalf("expected last observed status to be running, got %+v", status)
	}

	fake.Exit(instances.ContainerName(started.ExecutionID), 3, time.Now())
	status, err = c.WaitForExecution(context.Background(), started.ExecutionID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForExecution returned error: %v", err)
	}
	if status.Success || status.ExitStatus == nil || *status.ExitStatus != 3 {
		t.Fatalf("unexpected final status: %+v", status)
	}
}

func TestUnknownExecutionIsClassified(t *testing.T) {
	t.Parallel()

	c := Must(New(startIntegrationServer(t, containerstest.New())))
	_, err := c.Status(context.Background(), "exec_missing")
	if got, want := ErrCode(err), ErrorCodeExecutionNotFound; got != want {
		t.Fatalf("unexpected error code: got %q want %q (err=%v)", got, want, err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected a 404 APIError, got %T %v", err, err)
	}
}

func TestNewRejectsListenOnlyEndpoints(t *testing.T) {
	t.Parallel()

	for _, host := range []string{"tsnet://plz:7777", "tssvc://plz"} {
		if _, err := New(host); err == nil {
			t.Fatalf("expected %q to be rejected", host)
		}
	}
}

func TestNilClientReturnsError(t *testing.T) {
	t.Parallel()

	var c *Client
	if _, err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error from nil client")
	}
	if _, err := c.RunAndWait(context.Background(), testRun("alice"), RunOptions{}); err == nil {
		t.Fatal("expected error from nil client")
	}
}
