package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prodo-dev/plz/internal/plzerr"
)

// ErrorCode is a stable classifier for plz API errors.
type ErrorCode string

const (
	ErrorCodeUnknown                   ErrorCode = "unknown"
	ErrorCodeCanceled                  ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded          ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument           ErrorCode = "invalid_argument"
	ErrorCodeNotFound                  ErrorCode = "not_found"
	ErrorCodeConflict                  ErrorCode = "conflict"
	ErrorCodeUnavailable               ErrorCode = "unavailable"
	ErrorCodeRateLimited               ErrorCode = "rate_limited"
	ErrorCodeInternal                  ErrorCode = "internal"
	ErrorCodeExecutionNotFound         ErrorCode = plzerr.CodeExecutionNotFound
	ErrorCodeInstanceNotFound          ErrorCode = plzerr.CodeInstanceNotFound
	ErrorCodeInstanceStillRunning      ErrorCode = plzerr.CodeInstanceStillRunning
	ErrorCodeExecutionAlreadyHarvested ErrorCode = plzerr.CodeExecutionAlreadyHarvested
	ErrorCodeMaxInstancesReached       ErrorCode = plzerr.CodeMaxInstancesReached
	ErrorCodeLaunchFailed              ErrorCode = plzerr.CodeLaunchFailed
	ErrorCodeKillingInstancesFailed    ErrorCode = plzerr.CodeKillingInstancesFailed
	ErrorCodeSnapshotNotPullable       ErrorCode = plzerr.CodeSnapshotNotPullable
)

// ErrCode classifies API errors into a stable code.
//
// The server's semantic code is preferred, then the error kind, then the
// HTTP status.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if code := strings.TrimSpace(apiErr.Body.Code); code != "" {
			return ErrorCode(code)
		}
		switch plzerr.Kind(apiErr.Body.Kind) {
		case plzerr.KindNotFound:
			return ErrorCodeNotFound
		case plzerr.KindValidation:
			return ErrorCodeInvalidArgument
		case plzerr.KindConflict, plzerr.KindPartialFailure:
			return ErrorCodeConflict
		case plzerr.KindCapacity:
			return ErrorCodeUnavailable
		}
		if apiErr.Body.Kind == string(ErrorCodeRateLimited) {
			return ErrorCodeRateLimited
		}
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return ErrorCodeNotFound
		case http.StatusBadRequest:
			return ErrorCodeInvalidArgument
		case http.StatusConflict, http.StatusExpectationFailed:
			return ErrorCodeConflict
		case http.StatusServiceUnavailable:
			return ErrorCodeUnavailable
		case http.StatusTooManyRequests:
			return ErrorCodeRateLimited
		case http.StatusGatewayTimeout:
			return ErrorCodeDeadlineExceeded
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// FailedInstances returns the per-instance failures of a kill request that
// could not terminate every instance.
func FailedInstances(err error) map[string]string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body.Failures
	}
	return nil
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from PLZ_HOST (or default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// RunOptions controls how RunAndWait reports progress.
type RunOptions struct {
	// Progress receives the status and error lines of the start stream.
	Progress io.Writer
	// Logs, when set, receives the execution's output while it runs.
	Logs io.Writer
	// Timeout bounds the wait after the execution started.
	Timeout time.Duration
	// PollInterval is the initial delay between status polls.
	PollInterval time.Duration
}

// RunResult is the final execution outcome from RunAndWait.
type RunResult struct {
	ExecutionID string
	Statuses    []string
	Errors      []string
	Status      ExecutionStatus
}

// Succeeded reports whether the execution started and exited with status 0.
func (r *RunResult) Succeeded() bool {
	return r != nil && len(r.Errors) == 0 && r.Status.Success
}

// RunAndWait starts an execution, drains its start stream and waits until
// it is no longer running.
func (c *Client) RunAndWait(ctx context.Context, req RunRequest, opts RunOptions) (*RunResult, error) {
	stream, err := c.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, stream, opts)
}

// RerunAndWait is RunAndWait for a rerun.
func (c *Client) RerunAndWait(ctx context.Context, req RerunRequest, opts RunOptions) (*RunResult, error) {
	stream, err := c.Rerun(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, stream, opts)
}

// Await drains the start stream of a run or rerun, optionally follows the
// logs, and waits until the execution is no longer running.
func (c *Client) Await(ctx context.Context, stream *EventStream, opts RunOptions) (*RunResult, error) {
	result, err := DrainStream(stream, opts.Progress)
	if err != nil {
		return result, err
	}
	if result.ExecutionID == "" {
		return result, errors.New("run stream ended without an execution id")
	}
	if len(result.Errors) > 0 && !startedAny(result.Statuses) {
		return result, fmt.Errorf("execution %s failed to start: %s", result.ExecutionID, strings.Join(result.Errors, "; "))
	}

	waitCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	if opts.Logs != nil {
		logs, err := c.Logs(waitCtx, result.ExecutionID, LogsOptions{})
		if err != nil {
			return result, err
		}
		_, err = io.Copy(opts.Logs, logs)
		_ = logs.Close()
		if err != nil {
			return result, fmt.Errorf("follow logs of %s: %w", result.ExecutionID, err)
		}
	}

	status, err := c.WaitForExecution(waitCtx, result.ExecutionID, opts.PollInterval)
	result.Status = status
	return result, err
}

func startedAny(statuses []string) bool {
	for _, s := range statuses {
		if strings.HasSuffix(s, "started") {
			return true
		}
	}
	return false
}

// DrainStream reads a run stream to the end. The execution id, status and
// error lines are copied to progress when it is non-nil.
func DrainStream(stream *EventStream, progress io.Writer) (*RunResult, error) {
	defer stream.Close()
	result := &RunResult{}
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, err
		}
		switch {
		case ev.ID != "":
			result.ExecutionID = ev.ID
			if progress != nil {
				fmt.Fprintf(progress, "execution_id=%s\n", ev.ID)
			}
		case ev.Status != "":
			result.Statuses = append(result.Statuses, ev.Status)
			if progress != nil {
				fmt.Fprintln(progress, ev.Status)
			}
		case ev.Error != "":
			result.Errors = append(result.Errors, ev.Error)
			if progress != nil {
				fmt.Fprintln(progress, "error:", ev.Error)
			}
		}
	}
}

var errStillRunning = errors.New("execution still running")

// WaitForExecution polls the execution's status with exponential backoff
// until it stops running or ctx is done.
func (c *Client) WaitForExecution(ctx context.Context, executionID string, initial time.Duration) (ExecutionStatus, error) {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var status ExecutionStatus
	err := backoff.Retry(func() error {
		s, err := c.Status(ctx, executionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		status = s
		if s.Running {
			return errStillRunning
		}
		return nil
	}, backoff.WithContext(b, ctx))
	return status, err
}
