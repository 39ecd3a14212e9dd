package composition

import (
	"strconv"
	"strings"

	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

// CreateRunnableUnits derives the atomic executions for c from the top-level
// metadata.
//
// For an atomic composition the result is the top-level metadata itself. For
// an Indices composition the range is cut into contiguous chunks of
// indicesPerExecution indices (1 when zero), each chunk gets a fresh id from
// newID, and every index of the chunk is assigned to it in c. The top-level
// record is not part of the result; callers persist it as the parent.
func CreateRunnableUnits(c *Composition, top model.StartMetadata, indicesPerExecution int, newID func() string) ([]model.StartMetadata, error) {
	if c.IsAtomic() {
		top.ExecutionID = c.ExecutionID
		return []model.StartMetadata{top}, nil
	}
	if err := c.Range.Validate(); err != nil {
		return nil, plzerr.Validation("%v", err)
	}
	if indicesPerExecution < 0 {
		return nil, plzerr.Validation("indices_per_execution must be positive, got %d", indicesPerExecution)
	}
	if indicesPerExecution == 0 {
		indicesPerExecution = 1
	}

	units := make([]model.StartMetadata, 0, (c.Range.Len()+indicesPerExecution-1)/indicesPerExecution)
	for chunkStart := c.Range.Start; chunkStart < c.Range.End; chunkStart += indicesPerExecution {
		chunk := model.IndexRange{Start: chunkStart, End: min(chunkStart+indicesPerExecution, c.Range.End)}

		unit := top
		unit.ExecutionID = newID()
		unit.IndexRange = &chunk
		unit.IndicesPerExecution = 0
		unit.ParentExecutionID = c.ExecutionID

		sub := Atomic(unit.ExecutionID)
		for index := chunk.Start; index < chunk.End; index++ {
			if err := c.Assign(index, sub); err != nil {
				return nil, err
			}
		}
		units = append(units, unit)
	}
	return units, nil
}

// DescribeComponent is the prefix used for a unit's lines in combined output,
// for example "Indices: 3,4,5: ". It is empty for units without a range.
func DescribeComponent(m model.StartMetadata) string {
	if m.IndexRange == nil {
		return ""
	}
	indices := m.IndexRange.Indices()
	parts := make([]string, len(indices))
	for i, index := range indices {
		parts[i] = strconv.Itoa(index)
	}
	return "Indices: " + strings.Join(parts, ",") + ": "
}
