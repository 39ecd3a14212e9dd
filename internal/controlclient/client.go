package controlclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/endpoint"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts    tlsconfig.Options
	httpClient *http.Client
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

// WithHTTPClient replaces the transport built from the endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	if o.httpClient != nil {
		return &Client{httpClient: o.httpClient, baseURL: baseURL}, nil
	}
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	return &Client{httpClient: &http.Client{Transport: transport}, baseURL: baseURL}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	switch ep.Scheme {
	case "https":
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	case "unix":
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

// APIError is a non-2xx response of the control API.
type APIError struct {
	StatusCode int
	Body       controlapi.ErrorResponse
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", msg, e.Body.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send performs a request and returns the response body when the status is
// 2xx, or an *APIError.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, query, r)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(b, &apiErr.Body); err != nil {
		apiErr.Body.Error = strings.TrimSpace(string(b))
	}
	return nil, apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.send(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func executionPath(id string, rest ...string) string {
	return "/executions/" + url.PathEscape(id) + strings.Join(rest, "")
}

func indexQuery(q url.Values, index *int) url.Values {
	if index != nil {
		q.Set("index", strconv.Itoa(*index))
	}
	return q
}

// EventStream reads the newline-delimited events of a run or snapshot
// build.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(body io.ReadCloser) *EventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &EventStream{body: body, scanner: sc}
}

// Next returns io.EOF once the server closed the stream.
func (s *EventStream) Next() (controlapi.StreamEvent, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev controlapi.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return controlapi.StreamEvent{}, fmt.Errorf("decode stream event %q: %w", line, err)
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return controlapi.StreamEvent{}, err
	}
	return controlapi.StreamEvent{}, io.EOF
}

func (s *EventStream) Close() error {
	return s.body.Close()
}

func (c *Client) Ping(ctx context.Context) (controlapi.PingResponse, error) {
	var out controlapi.PingResponse
	err := c.getJSON(ctx, "/ping", nil, &out)
	return out, err
}

func (c *Client) Run(ctx context.Context, req controlapi.RunRequest) (*EventStream, error) {
	resp, err := c.send(ctx, http.MethodPost, "/executions", nil, req)
	if err != nil {
		return nil, err
	}
	return newEventStream(resp.Body), nil
}

func (c *Client) Rerun(ctx context.Context, req controlapi.RerunRequest) (*EventStream, error) {
	resp, err := c.send(ctx, http.MethodPost, "/executions/rerun", nil, req)
	if err != nil {
		return nil, err
	}
	return newEventStream(resp.Body), nil
}

func (c *Client) ListExecutions(ctx context.Context, user string, forAllUsers bool) ([]model.ExecutionInfo, error) {
	q := url.Values{}
	if user != "" {
		q.Set("user", user)
	}
	if forAllUsers {
		q.Set("for_all_users", "true")
	}
	var out controlapi.ListExecutionsResponse
	if err := c.getJSON(ctx, "/executions/list", q, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *Client) History(ctx context.Context, user, project string) ([]controlapi.HistoryEntry, error) {
	var out controlapi.HistoryResponse
	if err := c.getJSON(ctx, "/executions/history", url.Values{"user": {user}, "project": {project}}, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *Client) Harvest(ctx context.Context) (controlapi.HarvestResponse, error) {
	var out controlapi.HarvestResponse
	err := c.postJSON(ctx, "/executions/harvest", nil, &out)
	return out, err
}

func (c *Client) Describe(ctx context.Context, id string) (model.StartMetadata, error) {
	var out controlapi.DescribeResponse
	err := c.getJSON(ctx, "/executions/describe/"+url.PathEscape(id), nil, &out)
	return out.StartMetadata, err
}

func (c *Client) Status(ctx context.Context, id string) (model.ExecutionStatus, error) {
	var out model.ExecutionStatus
	err := c.getJSON(ctx, executionPath(id, "/status"), nil, &out)
	return out, err
}

func (c *Client) Composition(ctx context.Context, id string) (composition.Jsonable, error) {
	var out composition.Jsonable
	err := c.getJSON(ctx, executionPath(id, "/composition"), nil, &out)
	return out, err
}

type LogsOptions struct {
	// Since is unix seconds; zero means from the start.
	Since  int64
	Index  *int
	Stdout bool
	Stderr bool
}

// Logs follows the logs of a running execution until it exits.
func (c *Client) Logs(ctx context.Context, id string, opts LogsOptions) (io.ReadCloser, error) {
	q := indexQuery(url.Values{}, opts.Index)
	if opts.Since > 0 {
		q.Set("since", strconv.FormatInt(opts.Since, 10))
	}
	if opts.Stdout {
		q.Set("stdout", "true")
	}
	if opts.Stderr {
		q.Set("stderr", "true")
	}
	resp, err := c.send(ctx, http.MethodGet, executionPath(id, "/logs"), q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// OutputFiles returns the output directory, or path within it, as a tar
// stream.
func (c *Client) OutputFiles(ctx context.Context, id, path string, index *int) (io.ReadCloser, error) {
	q := indexQuery(url.Values{}, index)
	if path != "" {
		q.Set("path", path)
	}
	resp, err := c.send(ctx, http.MethodGet, executionPath(id, "/output/files"), q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Measures(ctx context.Context, id string, summary bool, index *int) (json.RawMessage, error) {
	q := indexQuery(url.Values{}, index)
	if summary {
		q.Set("summary", "true")
	}
	var out json.RawMessage
	err := c.getJSON(ctx, executionPath(id, "/measures"), q, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string, failIfRunning, failIfDeleted bool) error {
	q := url.Values{
		"fail_if_running": {strconv.FormatBool(failIfRunning)},
		"fail_if_deleted": {strconv.FormatBool(failIfDeleted)},
	}
	resp, err := c.send(ctx, http.MethodDelete, executionPath(id), q, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) KillInstances(ctx context.Context, req controlapi.KillInstancesRequest) (controlapi.KillInstancesResponse, error) {
	var out controlapi.KillInstancesResponse
	err := c.postJSON(ctx, "/instances/kill", req, &out)
	return out, err
}

// LastExecutionID returns "" when user never ran anything.
func (c *Client) LastExecutionID(ctx context.Context, user string) (string, error) {
	var out controlapi.LastExecutionIDResponse
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(user)+"/last_execution_id", nil, &out); err != nil {
		return "", err
	}
	if out.ExecutionID == nil {
		return "", nil
	}
	return *out.ExecutionID, nil
}

// BuildSnapshot uploads a tarred build context and returns the snapshot
// tag. Build output lines are passed to onLine as they arrive.
func (c *Client) BuildSnapshot(ctx context.Context, meta images.BuildMetadata, buildContext io.Reader, onLine func(string)) (string, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode snapshot metadata: %w", err)
	}
	body := io.MultiReader(bytes.NewReader(append(header, '\n')), buildContext)
	req, err := c.newRequest(ctx, http.MethodPost, "/snapshots", nil, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	stream := newEventStream(resp.Body)
	defer stream.Close()
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return "", errors.New("snapshot stream ended without a tag")
		}
		if err != nil {
			return "", err
		}
		switch {
		case ev.Error != "":
			return "", fmt.Errorf("build snapshot: %s", ev.Error)
		case ev.ID != "":
			return ev.ID, nil
		case ev.Stream != "" && onLine != nil:
			onLine(ev.Stream)
		}
	}
}
