// Package model holds the records the controller persists and exchanges with
// clients.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IndexRange is the half-open interval [Start, End) of a parallel execution.
// On the wire it is the two-element array [start, end].
type IndexRange struct {
	Start int
	End   int
}

func (r IndexRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r IndexRange) Contains(index int) bool {
	return index >= r.Start && index < r.End
}

func (r IndexRange) Validate() error {
	if r.Start < 0 || r.End < 0 {
		return fmt.Errorf("invalid index range [%d, %d): indices must be non-negative", r.Start, r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("invalid index range [%d, %d): end before start", r.Start, r.End)
	}
	return nil
}

// Indices lists every index of the range in order.
func (r IndexRange) Indices() []int {
	out := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

func (r IndexRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

func (r IndexRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Start, r.End})
}

func (r *IndexRange) UnmarshalJSON(b []byte) error {
	var pair []int
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("index range must be a [start, end] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("index range must have exactly two elements, got %d", len(pair))
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// ParseIndexRange parses "start:end" as used on the command line.
func ParseIndexRange(raw string) (IndexRange, error) {
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return IndexRange{}, fmt.Errorf("index range %q must have the form start:end", raw)
	}
	start, err := strconv.Atoi(strings.TrimSpace(startRaw))
	if err != nil {
		return IndexRange{}, fmt.Errorf("index range %q: invalid start: %w", raw, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endRaw))
	if err != nil {
		return IndexRange{}, fmt.Errorf("index range %q: invalid end: %w", raw, err)
	}
	r := IndexRange{Start: start, End: end}
	return r, r.Validate()
}

type ExecutionSpec struct {
	User                       string            `json:"user"`
	Project                    string            `json:"project"`
	InstanceType               string            `json:"instance_type,omitempty"`
	InputID                    string            `json:"input_id,omitempty"`
	DockerRunArgs              map[string]string `json:"docker_run_args,omitempty"`
	InstanceMaxUptimeInMinutes *int              `json:"instance_max_uptime_in_minutes,omitempty"`
}

func (s ExecutionSpec) Validate() error {
	if strings.TrimSpace(s.User) == "" {
		return fmt.Errorf("missing execution_spec.user")
	}
	if strings.TrimSpace(s.Project) == "" {
		return fmt.Errorf("missing execution_spec.project")
	}
	if s.InstanceMaxUptimeInMinutes != nil && *s.InstanceMaxUptimeInMinutes < 0 {
		return fmt.Errorf("invalid execution_spec.instance_max_uptime_in_minutes %d", *s.InstanceMaxUptimeInMinutes)
	}
	return nil
}

type InstanceMarketSpec struct {
	MarketType                      string  `json:"instance_market_type,omitempty"`
	MaxBiddingPriceInDollarsPerHour float64 `json:"max_bid_price_in_dollars_per_hour,omitempty"`
	InstanceMaxIdleTimeInMinutes    *int    `json:"instance_max_idle_time_in_minutes,omitempty"`
}

// MaxIdleSeconds returns the idle budget requested by the market spec, or
// fallback when none was given.
func (s InstanceMarketSpec) MaxIdleSeconds(fallback int64) int64 {
	if s.InstanceMaxIdleTimeInMinutes == nil {
		return fallback
	}
	return int64(*s.InstanceMaxIdleTimeInMinutes) * 60
}

// StartMetadata captures everything needed to reproduce an execution. It is
// written once when a run is accepted.
type StartMetadata struct {
	ExecutionID         string             `json:"execution_id"`
	Command             []string           `json:"command"`
	SnapshotID          string             `json:"snapshot_id"`
	Parameters          json.RawMessage    `json:"parameters,omitempty"`
	InstanceMarketSpec  InstanceMarketSpec `json:"instance_market_spec"`
	ExecutionSpec       ExecutionSpec      `json:"execution_spec"`
	IndexRange          *IndexRange        `json:"index_range,omitempty"`
	IndicesPerExecution int                `json:"indices_per_execution,omitempty"`
	ParentExecutionID   string             `json:"parent_execution_id,omitempty"`
	PreviousExecutionID string             `json:"previous_execution_id,omitempty"`
	ClientMetadata      json.RawMessage    `json:"client_metadata,omitempty"`
	StartTimestamp      int64              `json:"start_timestamp"`
}

// Reproduces reports whether m describes the same workload as other. Only
// rerun bookkeeping fields may differ between two writes of the same id.
func (m StartMetadata) Reproduces(other StartMetadata) bool {
	if m.SnapshotID != other.SnapshotID || len(m.Command) != len(other.Command) {
		return false
	}
	for i := range m.Command {
		if m.Command[i] != other.Command[i] {
			return false
		}
	}
	return true
}

// ExecutionStatus is the status reported for an execution id.
type ExecutionStatus struct {
	Running    bool `json:"running"`
	Success    bool `json:"success"`
	ExitStatus *int `json:"exit_status"`
}

// ExecutionInfo is the listing snapshot of one instance.
type ExecutionInfo struct {
	ExecutionID        string `json:"execution_id"`
	InstanceID         string `json:"instance_id"`
	Running            bool   `json:"running"`
	Status             string `json:"status"`
	InstanceType       string `json:"instance_type"`
	MaxIdleSeconds     int64  `json:"max_idle_seconds"`
	IdleSinceTimestamp *int64 `json:"idle_since_timestamp"`
	User               string `json:"user,omitempty"`
}
