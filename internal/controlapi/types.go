// Package controlapi holds the JSON bodies exchanged over the control API.
package controlapi

import (
	"encoding/json"

	"github.com/prodo-dev/plz/internal/model"
)

type RunRequest struct {
	Command             []string                 `json:"command"`
	SnapshotID          string                   `json:"snapshot_id"`
	Parameters          json.RawMessage          `json:"parameters,omitempty"`
	ExecutionSpec       model.ExecutionSpec      `json:"execution_spec"`
	InstanceMarketSpec  model.InstanceMarketSpec `json:"instance_market_spec"`
	StartMetadata       json.RawMessage          `json:"start_metadata,omitempty"`
	IndexRange          *model.IndexRange        `json:"parallel_indices_range,omitempty"`
	IndicesPerExecution int                      `json:"indices_per_execution,omitempty"`
}

type RerunRequest struct {
	User                       string                   `json:"user"`
	Project                    string                   `json:"project"`
	ExecutionID                string                   `json:"execution_id"`
	InstanceMarketSpec         model.InstanceMarketSpec `json:"instance_market_spec"`
	OverrideParameters         json.RawMessage          `json:"override_parameters,omitempty"`
	InstanceMaxUptimeInMinutes *int                     `json:"instance_max_uptime_in_minutes,omitempty"`
}

// StreamEvent is one line of a newline-delimited JSON stream. Exactly one
// field is set.
type StreamEvent struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Stream string `json:"stream,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []model.ExecutionInfo `json:"executions"`
}

type HistoryEntry struct {
	ExecutionID   string              `json:"execution_id"`
	StartMetadata model.StartMetadata `json:"start_metadata"`
	ExitStatus    *int                `json:"exit_status"`
	FinishedAt    int64               `json:"finished_at,omitempty"`
}

type HistoryResponse struct {
	Executions []HistoryEntry `json:"executions"`
}

type DescribeResponse struct {
	StartMetadata model.StartMetadata `json:"start_metadata"`
}

type KillInstancesRequest struct {
	InstanceIDs     []string `json:"instance_ids,omitempty"`
	AllOfThem       bool     `json:"all_of_them"`
	ForceIfNotIdle  bool     `json:"force_if_not_idle"`
	User            string   `json:"user,omitempty"`
	IgnoreOwnership bool     `json:"ignore_ownership,omitempty"`
}

type KillInstancesResponse struct {
	WarningMessage string `json:"warning_message,omitempty"`
}

type LastExecutionIDResponse struct {
	ExecutionID *string `json:"execution_id"`
}

type HarvestResponse struct {
	Errors []string `json:"errors,omitempty"`
}

type PingResponse struct {
	Plz            string `json:"plz"`
	BuildTimestamp *int64 `json:"build_timestamp,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Kind     string            `json:"kind,omitempty"`
	Code     string            `json:"code,omitempty"`
	Failures map[string]string `json:"failed_instance_ids_to_messages,omitempty"`
}
