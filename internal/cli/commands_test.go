package cli

import (
	"bytes"
	"context"
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

func startTestController(t *testing.T, fake *containerstest.Fake) string {
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
	server := httptest.NewServer(controlserver.New(ctl, controlserver.Options{Metrics: metrics.New()}).Handler())
	t.Cleanup(server.Close)
	return server.URL
}

func newTestRuntime(t *testing.T) (*runtimeContext, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	return &runtimeContext{CWD: t.TempDir(), Stdout: &stdout, Stderr: &stderr, Version: "test"}, &stdout, &stderr
}

func TestRunCommandFollowsLogsAndPropagatesExitCode(t *testing.T) {
	t.Parallel()

	fake := containerstest.New()
	exitCode := 3
	fake.ExitOnStart = &exitCode
	fake.Output[instances.ContainerName("exec_1")] = "epoch 1 done\n"
	flags := ClientFlags{Host: startTestController(t, fake), User: "alice"}

	ctx, stdout, stderr := newTestRuntime(t)
	cmd := RunCommand{
		ClientFlags:         flags,
		Snapshot:            "plz/builds:alice-demo-1",
		Project:             "demo",
		IndicesPerExecution: 1,
		Command:             []string{"./train.sh"},
	}
	err := cmd.Run(ctx)
	if got := ExitCode(err); got != 3 {
		t.Fatalf("expected exit code 3, got %d (%v)", got, err)
	}
	if got := stdout.String(); got != "epoch 1 done\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
	if !strings.Contains(stderr.String(), "execution_id=exec_1") {
		t.Fatalf("expected execution id on stderr, got %q", stderr.String())
	}

	ctx, stdout, _ = newTestRuntime(t)
	if err := (&LastCommand{ClientFlags: flags}).Run(ctx); err != nil {
		t.Fatalf("last: %v", err)
	}
	if got := stdout.String(); got != "exec_1\n" {
		t.Fatalf("unexpected last output: %q", got)
	}

	ctx, stdout, _ = newTestRuntime(t)
	if err := (&StatusCommand{ClientFlags: flags}).Run(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := stdout.String(); got != "exec_1: exited with status 3\n" {
		t.Fatalf("unexpected status output: %q", got)
	}
}

func TestRunCommandDetachPrintsExecutionID(t *testing.T) {
	t.Parallel()

	fake := containerstest.New()
	flags := ClientFlags{Host: startTestController(t, fake), User: "alice"}

	ctx, stdout, stderr := newTestRuntime(t)
	cmd := RunCommand{
		ClientFlags: flags,
		WaitFlags:   WaitFlags{Detach: true},
		Snapshot:    "plz/builds:alice-demo-1",
		Project:     "demo",
		Command:     []string{"sleep", "60"},
	}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("run --detach: %v", err)
	}
	if got := stdout.String(); got != "exec_1\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
	if !strings.Contains(stderr.String(), "started") {
		t.Fatalf("expected progress on stderr, got %q", stderr.String())
	}

	ctx, stdout, _ = newTestRuntime(t)
	if err := (&ListCommand{ClientFlags: flags}).Run(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "exec_1\t") {
		t.Fatalf("expected running execution in list, got %q", stdout.String())
	}

	ctx, _, _ = newTestRuntime(t)
	err := (&DeleteCommand{ClientFlags: flags, ID: "exec_1"}).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected delete without --force to suggest it, got %v", err)
	}

	ctx, stdout, _ = newTestRuntime(t)
	if err := (&DeleteCommand{ClientFlags: flags, ID: "exec_1", Force: true}).Run(ctx); err != nil {
		t.Fatalf("delete --force: %v", err)
	}
	if got := stdout.String(); got != "deleted exec_1\n" {
		t.Fatalf("unexpected delete output: %q", got)
	}
}

func TestPingCommand(t *testing.T) {
	t.Parallel()

	ctx, stdout, _ := newTestRuntime(t)
	cmd := PingCommand{ClientFlags: ClientFlags{Host: startTestController(t, containerstest.New())}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got := stdout.String(); got != "plz pong\n" {
		t.Fatalf("unexpected ping output: %q", got)
	}
}

func TestExecutionIDDefaultsToLast(t *testing.T) {
	t.Parallel()

	flags := ClientFlags{Host: startTestController(t, containerstest.New()), User: "nobody"}
	ctx, _, _ := newTestRuntime(t)
	err := (&DescribeCommand{ClientFlags: flags}).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "user nobody has no executions") {
		t.Fatalf("expected no-executions error, got %v", err)
	}
}
