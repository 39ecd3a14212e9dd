package client

import (
	"github.com/prodo-dev/plz/internal/composition"
	"github.com/prodo-dev/plz/internal/controlapi"
	"github.com/prodo-dev/plz/internal/controlclient"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/model"
)

type RunRequest = controlapi.RunRequest
type RerunRequest = controlapi.RerunRequest
type StreamEvent = controlapi.StreamEvent
type EventStream = controlclient.EventStream
type HistoryEntry = controlapi.HistoryEntry
type HarvestResponse = controlapi.HarvestResponse
type PingResponse = controlapi.PingResponse
type KillInstancesRequest = controlapi.KillInstancesRequest
type KillInstancesResponse = controlapi.KillInstancesResponse
type LogsOptions = controlclient.LogsOptions

// APIError is returned for every non-2xx response.
type APIError = controlclient.APIError

type ExecutionSpec = model.ExecutionSpec
type InstanceMarketSpec = model.InstanceMarketSpec
type IndexRange = model.IndexRange
type StartMetadata = model.StartMetadata
type ExecutionStatus = model.ExecutionStatus
type ExecutionInfo = model.ExecutionInfo

type Composition = composition.Jsonable

type SnapshotMetadata = images.BuildMetadata
