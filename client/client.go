package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/prodo-dev/plz/internal/controlclient"
	"github.com/prodo-dev/plz/internal/endpoint"
	"github.com/prodo-dev/plz/internal/tlsconfig"
)

// Client is the public Go client for the plz control API.
type Client struct {
	inner *controlclient.Client
}

// TLSOptions configures optional TLS material for HTTPS connections.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Option configures the plz client.
type Option func(*options)

type options struct {
	tls tlsconfig.Options
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{
			CertPath: opts.CertPath,
			KeyPath:  opts.KeyPath,
			CAPath:   opts.CAPath,
		}
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/plz.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, PLZ_HOST is used, then the default unix socket path.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep, controlclient.WithTLS(o.tls))
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

var errNilClient = errors.New("nil client")

func (c *Client) ok() error {
	if c == nil || c.inner == nil {
		return errNilClient
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	if err := c.ok(); err != nil {
		return PingResponse{}, err
	}
	return c.inner.Ping(ctx)
}

// Run starts an execution. The stream yields the execution id first, then
// status and error lines until the execution has started or failed.
func (c *Client) Run(ctx context.Context, req RunRequest) (*EventStream, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.Run(ctx, req)
}

func (c *Client) Rerun(ctx context.Context, req RerunRequest) (*EventStream, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.Rerun(ctx, req)
}

func (c *Client) ListExecutions(ctx context.Context, user string, forAllUsers bool) ([]ExecutionInfo, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.ListExecutions(ctx, user, forAllUsers)
}

func (c *Client) History(ctx context.Context, user, project string) ([]HistoryEntry, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.History(ctx, user, project)
}

func (c *Client) Harvest(ctx context.Context) (HarvestResponse, error) {
	if err := c.ok(); err != nil {
		return HarvestResponse{}, err
	}
	return c.inner.Harvest(ctx)
}

func (c *Client) Describe(ctx context.Context, executionID string) (StartMetadata, error) {
	if err := c.ok(); err != nil {
		return StartMetadata{}, err
	}
	return c.inner.Describe(ctx, executionID)
}

func (c *Client) Status(ctx context.Context, executionID string) (ExecutionStatus, error) {
	if err := c.ok(); err != nil {
		return ExecutionStatus{}, err
	}
	return c.inner.Status(ctx, executionID)
}

func (c *Client) Composition(ctx context.Context, executionID string) (Composition, error) {
	if err := c.ok(); err != nil {
		return Composition{}, err
	}
	return c.inner.Composition(ctx, executionID)
}

func (c *Client) Logs(ctx context.Context, executionID string, opts LogsOptions) (io.ReadCloser, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.Logs(ctx, executionID, opts)
}

func (c *Client) OutputFiles(ctx context.Context, executionID, path string, index *int) (io.ReadCloser, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.OutputFiles(ctx, executionID, path, index)
}

func (c *Client) Measures(ctx context.Context, executionID string, summary bool, index *int) (json.RawMessage, error) {
	if err := c.ok(); err != nil {
		return nil, err
	}
	return c.inner.Measures(ctx, executionID, summary, index)
}

func (c *Client) Delete(ctx context.Context, executionID string, failIfRunning, failIfDeleted bool) error {
	if err := c.ok(); err != nil {
		return err
	}
	return c.inner.Delete(ctx, executionID, failIfRunning, failIfDeleted)
}

func (c *Client) KillInstances(ctx context.Context, req KillInstancesRequest) (KillInstancesResponse, error) {
	if err := c.ok(); err != nil {
		return KillInstancesResponse{}, err
	}
	return c.inner.KillInstances(ctx, req)
}

func (c *Client) LastExecutionID(ctx context.Context, user string) (string, error) {
	if err := c.ok(); err != nil {
		return "", err
	}
	return c.inner.LastExecutionID(ctx, user)
}

// BuildSnapshot uploads a tarred build context and returns the snapshot id.
func (c *Client) BuildSnapshot(ctx context.Context, meta SnapshotMetadata, buildContext io.Reader, onLine func(string)) (string, error) {
	if err := c.ok(); err != nil {
		return "", err
	}
	return c.inner.BuildSnapshot(ctx, meta, buildContext, onLine)
}
