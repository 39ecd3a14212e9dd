package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/prodo-dev/plz/internal/controlapi"
)

func TestErrCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: ErrorCodeUnknown},
		{name: "plain", err: errors.New("boom"), want: ErrorCodeUnknown},
		{name: "canceled", err: fmt.Errorf("wait: %w", context.Canceled), want: ErrorCodeCanceled},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorCodeDeadlineExceeded},
		{
			name: "server code wins",
			err:  &APIError{StatusCode: http.StatusServiceUnavailable, Body: controlapi.ErrorResponse{Kind: "capacity", Code: "max_instances_reached"}},
			want: ErrorCodeMaxInstancesReached,
		},
		{
			name: "kind",
			err:  &APIError{StatusCode: http.StatusBadRequest, Body: controlapi.ErrorResponse{Kind: "validation"}},
			want: ErrorCodeInvalidArgument,
		},
		{
			name: "partial failure is a conflict",
			err:  &APIError{StatusCode: http.StatusConflict, Body: controlapi.ErrorResponse{Kind: "partial_failure"}},
			want: ErrorCodeConflict,
		},
		{
			name: "rate limited",
			err:  &APIError{StatusCode: http.StatusTooManyRequests, Body: controlapi.ErrorResponse{Kind: "rate_limited"}},
			want: ErrorCodeRateLimited,
		},
		{name: "status only", err: &APIError{StatusCode: http.StatusNotFound}, want: ErrorCodeNotFound},
		{name: "gateway timeout", err: &APIError{StatusCode: http.StatusGatewayTimeout}, want: ErrorCodeDeadlineExceeded},
		{name: "server error", err: &APIError{StatusCode: http.StatusInternalServerError}, want: ErrorCodeInternal},
		{
			name: "wrapped",
			err:  fmt.Errorf("status: %w", &APIError{StatusCode: http.StatusNotFound, Body: controlapi.ErrorResponse{Code: "execution_not_found"}}),
			want: ErrorCodeExecutionNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ErrCode(tc.err); got != tc.want {
				t.Fatalf("ErrCode(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestFailedInstances(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("kill: %w", &APIError{
		StatusCode: http.StatusConflict,
		Body: controlapi.ErrorResponse{
			Kind:     "partial_failure",
			Code:     "killing_instances_failed",
			Failures: map[string]string{"i-1": "instance is busy"},
		},
	})
	failures := FailedInstances(err)
	if got, want := failures["i-1"], "instance is busy"; got != want {
		t.Fatalf("unexpected failure: got %q want %q", got, want)
	}
	if FailedInstances(errors.New("boom")) != nil {
		t.Fatal("expected no failures for a non-API error")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()

	err := &APIError{StatusCode: http.StatusNotFound, Body: controlapi.ErrorResponse{Error: "execution exec_9 not found", Code: "execution_not_found"}}
	if got, want := err.Error(), "execution exec_9 not found (execution_not_found, HTTP 404)"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
	bare := &APIError{StatusCode: http.StatusBadGateway}
	if got, want := bare.Error(), "Bad Gateway (HTTP 502)"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
}

func TestRunResultSucceeded(t *testing.T) {
	t.Parallel()

	zero := 0
	ok := &RunResult{Status: ExecutionStatus{Success: true, ExitStatus: &zero}}
	if !ok.Succeeded() {
		t.Fatal("expected success")
	}
	withErrors := &RunResult{Errors: []string{"Indices: 1: no capacity left"}, Status: ok.Status}
	if withErrors.Succeeded() {
		t.Fatal("start errors must fail the run")
	}
	var nilResult *RunResult
	if nilResult.Succeeded() {
		t.Fatal("nil result must not succeed")
	}
}

func TestMustPanicsOnError(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Must(nil, errors.New("boom"))
}
