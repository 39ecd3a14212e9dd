// Package plzerr defines the error kinds shared by the controller, its
// storage layers and the HTTP surface.
package plzerr

import (
	"errors"
	"fmt"
	"maps"
)

type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindCapacity       Kind = "capacity"
	KindBackend        Kind = "backend"
	KindValidation     Kind = "validation"
	KindPartialFailure Kind = "partial_failure"
)

const (
	CodeExecutionNotFound         = "execution_not_found"
	CodeInstanceNotFound          = "instance_not_found"
	CodeInstanceStillRunning      = "instance_still_running"
	CodeExecutionAlreadyHarvested = "execution_already_harvested"
	CodeMaxInstancesReached       = "max_instances_reached"
	CodeLaunchFailed              = "launch_failed"
	CodeKillingInstancesFailed    = "killing_instances_failed"
	CodeSnapshotNotPullable       = "snapshot_not_pullable"
)

// Error is a classified failure. Failures is only set for KindPartialFailure
// and maps the ids that could not be processed to a reason.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Failures map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithCode returns a copy of e carrying code.
func (e *Error) WithCode(code string) *Error {
	out := *e
	out.Code = code
	return &out
}

// Wrap attaches cause to e.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func Capacity(format string, args ...any) *Error {
	return newf(KindCapacity, format, args...)
}

func Backend(format string, args ...any) *Error {
	return newf(KindBackend, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// PartialFailure reports a bulk operation where the ids in failures could not
// be processed. Work already done for other ids is not rolled back.
func PartialFailure(failures map[string]string, format string, args ...any) *Error {
	e := newf(KindPartialFailure, format, args...)
	e.Failures = maps.Clone(failures)
	return e
}

// ExecutionNotFound is returned when an execution is unknown to the live
// instances and to results storage.
func ExecutionNotFound(executionID string) *Error {
	return NotFound("execution %q not found", executionID).WithCode(CodeExecutionNotFound)
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FailuresOf returns the per-id failure map of a partial failure, or nil.
func FailuresOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Failures
	}
	return nil
}
