package controlserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prodo-dev/plz/internal/containers/containerstest"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/controller"
	"github.com/prodo-dev/plz/internal/dbstorage"
	"github.com/prodo-dev/plz/internal/endpoint"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/results"
	"github.com/prodo-dev/plz/internal/volumes"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"
)

type fixture struct {
	url  string
	ctl  *controller.Controller
	fake *containerstest.Fake
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	fake := containerstest.New()
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
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	srv := httptest.NewServer(New(ctl, opts).Handler())
	t.Cleanup(srv.Close)
	return &fixture{url: srv.URL, ctl: ctl, fake: fake}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.url+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func readEvents(t *testing.T, resp *http.Response) []controlapi.StreamEvent {
	t.Helper()
	var out []controlapi.StreamEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev controlapi.StreamEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode event %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read events: %v", err)
	}
	return out
}

func runBody(user string) controlapi.RunRequest {
	return controlapi.RunRequest{
		Command:       []string{"./main.sh"},
		SnapshotID:    "plz/builds:alice-demo-1",
		Parameters:    json.RawMessage(`{"foo": 55}`),
		ExecutionSpec: model.ExecutionSpec{User: user, Project: "demo"},
	}
}

func TestRunExecutionStreamsIDThenStatuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	req := runBody("alice")

	resp := f.do(t, http.MethodPost, "/executions", req)
	if got, want := resp.StatusCode, http.StatusAccepted; got != want {
		t.Fatalf("unexpected status: got %d want %d", got, want)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", got)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}
	events := readEvents(t, resp)
	if len(events) == 0 || events[0].ID == "" {
		t.Fatalf("expected the id first, got %+v", events)
	}
	id := events[0].ID
	if last := events[len(events)-1]; last.Status != "started" {
		t.Fatalf("expected the stream to end with started, got %+v", events)
	}

	status := decodeResponse[map[string]any](t, f.do(t, http.MethodGet, "/executions/"+id+"/status", nil))
	if status["running"] != true {
		t.Fatalf("expected a running execution, got %v", status)
	}
	described := decodeResponse[controlapi.DescribeResponse](t, f.do(t, http.MethodGet, "/executions/describe/"+id, nil))
	if described.StartMetadata.ExecutionID != id || described.StartMetadata.ExecutionSpec.User != "alice" {
		t.Fatalf("unexpected description: %+v", described)
	}
	comp := decodeResponse[map[string]any](t, f.do(t, http.MethodGet, "/executions/"+id+"/composition", nil))
	if comp["execution_id"] != id {
		t.Fatalf("unexpected composition: %v", comp)
	}
	last := decodeResponse[controlapi.LastExecutionIDResponse](t, f.do(t, http.MethodGet, "/users/alice/last_execution_id", nil))
	if last.ExecutionID == nil || *last.ExecutionID != id {
		t.Fatalf("unexpected last execution id: %+v", last)
	}

	name := instances.ContainerName(id)
	f.fake.Output[name] = "foo = 55\n"
	f.fake.Exit(name, 0, time.Now())
	logs := f.do(t, http.MethodGet, "/executions/"+id+"/logs", nil)
	b, _ := io.ReadAll(logs.Body)
	if got, want := string(b), "foo = 55\n"; got != want {
		t.Fatalf("unexpected logs: got %q want %q", got, want)
	}

	harvest := decodeResponse[controlapi.HarvestResponse](t, f.do(t, http.MethodPost, "/executions/harvest", nil))
	if len(harvest.Errors) != 0 {
		t.Fatalf("unexpected harvest errors: %v", harvest.Errors)
	}
	del := f.do(t, http.MethodDelete, "/executions/"+id+"?fail_if_deleted=true", nil)
	if got, want := del.StatusCode, http.StatusExpectationFailed; got != want {
		t.Fatalf("unexpected delete status: got %d want %d", got, want)
	}
	if body := decodeResponse[controlapi.ErrorResponse](t, del); body.Code != plzerr.CodeExecutionAlreadyHarvested {
		t.Fatalf("unexpected delete error: %+v", body)
	}
	quiet := f.do(t, http.MethodDelete, "/executions/"+id, nil)
	if got, want := quiet.StatusCode, http.StatusNoContent; got != want {
		t.Fatalf("unexpected delete status: got %d want %d", got, want)
	}
}

func TestUnknownExecutionIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	for _, path := range []string{
		"/executions/missing/status",
		"/executions/missing/logs",
		"/executions/describe/missing",
		"/executions/missing/output/files",
	} {
		resp := f.do(t, http.MethodGet, path, nil)
		if got, want := resp.StatusCode, http.StatusNotFound; got != want {
			t.Fatalf("%s: unexpected status: got %d want %d", path, got, want)
		}
		if body := decodeResponse[controlapi.ErrorResponse](t, resp); body.Kind != string(plzerr.KindNotFound) {
			t.Fatalf("%s: unexpected body: %+v", path, body)
		}
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "run without command", method: http.MethodPost, path: "/executions", body: map[string]any{"snapshot_id": "plz/builds:x"}},
		{name: "run body not json", method: http.MethodPost, path: "/executions", body: "nope"},
		{name: "kill without target", method: http.MethodPost, path: "/instances/kill", body: map[string]any{}},
		{name: "history without project", method: http.MethodGet, path: "/executions/history?user=alice"},
		{name: "bad index", method: http.MethodGet, path: "/executions/x/measures?index=-1"},
		{name: "bad since", method: http.MethodGet, path: "/executions/x/logs?since=yesterday"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, tc.method, tc.path, tc.body)
			if got, want := resp.StatusCode, http.StatusBadRequest; got != want {
				t.Fatalf("unexpected status: got %d want %d", got, want)
			}
		})
	}
}

func TestRunIsRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{RunRateLimit: 0.001, RunRateBurst: 1})
	first := f.do(t, http.MethodPost, "/executions", map[string]any{})
	if first.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first request should not be limited")
	}
	second := f.do(t, http.MethodPost, "/executions", map[string]any{})
	if got, want := second.StatusCode, http.StatusTooManyRequests; got != want {
		t.Fatalf("unexpected status: got %d want %d", got, want)
	}
	if ping := f.do(t, http.MethodGet, "/ping", nil); ping.StatusCode != http.StatusOK {
		t.Fatalf("ping should not be limited, got %d", ping.StatusCode)
	}
}

func TestPingAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	ping := decodeResponse[controlapi.PingResponse](t, f.do(t, http.MethodGet, "/ping", nil))
	if ping.Plz != "pong" {
		t.Fatalf("unexpected ping: %+v", ping)
	}
	resp := f.do(t, http.MethodGet, "/metrics", nil)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `route="GET /ping"`) {
		t.Fatalf("expected the ping request to be measured, got:\n%s", b)
	}
}

func TestKillBusyInstancesConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	req := runBody("alice")
	readEvents(t, f.do(t, http.MethodPost, "/executions", req))

	resp := f.do(t, http.MethodPost, "/instances/kill", controlapi.KillInstancesRequest{AllOfThem: true, User: "alice"})
	if got, want := resp.StatusCode, http.StatusConflict; got != want {
		t.Fatalf("unexpected status: got %d want %d", got, want)
	}
	body := decodeResponse[controlapi.ErrorResponse](t, resp)
	if len(body.Failures) != 1 || body.Code != plzerr.CodeKillingInstancesFailed {
		t.Fatalf("unexpected body: %+v", body)
	}
	list := decodeResponse[controlapi.ListExecutionsResponse](t, f.do(t, http.MethodGet, "/executions/list?user=alice", nil))
	if len(list.Executions) != 1 {
		t.Fatalf("expected the busy instance to stay listed, got %+v", list)
	}
}

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, buildContext io.Reader, meta images.BuildMetadata, emit func(string)) (string, error) {
	b, err := io.ReadAll(buildContext)
	if err != nil {
		return "", err
	}
	emit(fmt.Sprintf("received %d bytes", len(b)))
	return "plz/builds:" + meta.User + "-" + meta.Project + "-1", nil
}

func TestBuildSnapshotStreamsLinesThenTag(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.ctl.Images = fakeBuilder{}

	body := `{"user":"alice","project":"demo"}` + "\n" + "tarball"
	resp, err := http.Post(f.url+"/snapshots", "application/octet-stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post snapshot: %v", err)
	}
	defer resp.Body.Close()
	events := readEvents(t, resp)
	if len(events) != 2 || events[0].Stream != "received 7 bytes" || events[1].ID != "plz/builds:alice-demo-1" {
		t.Fatalf("unexpected events: %+v", events)
	}

	bad, err := http.Post(f.url+"/snapshots", "application/octet-stream", strings.NewReader(`{"user":"alice"}`+"\n"))
	if err != nil {
		t.Fatalf("post snapshot: %v", err)
	}
	defer bad.Body.Close()
	if got, want := bad.StatusCode, http.StatusBadRequest; got != want {
		t.Fatalf("unexpected status: got %d want %d", got, want)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: plzerr.ExecutionNotFound("x"), want: http.StatusNotFound},
		{err: plzerr.Validation("bad"), want: http.StatusBadRequest},
		{err: plzerr.Conflict("busy").WithCode(plzerr.CodeInstanceStillRunning), want: http.StatusConflict},
		{err: plzerr.Conflict("gone").WithCode(plzerr.CodeExecutionAlreadyHarvested), want: http.StatusExpectationFailed},
		{err: plzerr.Capacity("full"), want: http.StatusServiceUnavailable},
		{err: plzerr.PartialFailure(map[string]string{"i": "busy"}, "some failed"), want: http.StatusConflict},
		{err: fmt.Errorf("wrapped: %w", plzerr.Validation("bad")), want: http.StatusBadRequest},
		{err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
		{err: context.Canceled, want: 499},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v): got %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestListenHTTPAcceptsHTTPPrefix(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{
		Scheme:  "http",
		Address: "http://127.0.0.1:0",
	}
	ln, cleanup, err := listen(ep, nil, nil)
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	if cleanup != nil {
		t.Fatal("expected no cleanup callback for tcp/http listener")
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	if _, _, err := listen(endpoint.Endpoint{Scheme: "ftp", Address: "127.0.0.1:0"}, nil, nil); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

type fakeLocalClient struct {
	serve *ipn.ServeConfig
	prefs *ipn.Prefs
	edits int
}

func (c *fakeLocalClient) StatusWithoutPeers(context.Context) (*ipnstate.Status, error) {
	return &ipnstate.Status{MagicDNSSuffix: "tail1234.ts.net"}, nil
}

func (c *fakeLocalClient) GetServeConfig(context.Context) (*ipn.ServeConfig, error) {
	return c.serve, nil
}

func (c *fakeLocalClient) SetServeConfig(_ context.Context, cfg *ipn.ServeConfig) error {
	c.serve = cfg
	return nil
}

func (c *fakeLocalClient) GetPrefs(context.Context) (*ipn.Prefs, error) {
	return c.prefs, nil
}

func (c *fakeLocalClient) EditPrefs(_ context.Context, prefs *ipn.MaskedPrefs) (*ipn.Prefs, error) {
	c.edits++
	c.prefs = &ipn.Prefs{AdvertiseServices: prefs.AdvertiseServices}
	return c.prefs, nil
}

func TestAdvertiseServiceIsIdempotent(t *testing.T) {
	t.Parallel()

	lc := &fakeLocalClient{prefs: &ipn.Prefs{}}
	for range 2 {
		url, err := advertiseService(context.Background(), lc, "svc:plz", "127.0.0.1:4567")
		if err != nil {
			t.Fatalf("advertiseService: %v", err)
		}
		if got, want := url, "https://plz.tail1234.ts.net"; got != want {
			t.Fatalf("unexpected url: got %q want %q", got, want)
		}
	}
	if lc.edits != 1 {
		t.Fatalf("expected one prefs edit, got %d", lc.edits)
	}
	web := lc.serve.Services["svc:plz"].Web[ipn.HostPort("plz.tail1234.ts.net:443")]
	if web == nil || web.Handlers["/"].Proxy != "http://127.0.0.1:4567" {
		t.Fatalf("unexpected serve config: %+v", lc.serve.Services["svc:plz"])
	}

	if _, err := advertiseService(context.Background(), lc, "plz", "127.0.0.1:1"); err == nil {
		t.Fatal("expected a service name without svc: prefix to be rejected")
	}
}
