package composition

import (
	"maps"
	"slices"

	"github.com/prodo-dev/plz/internal/plzerr"
)

// Durable is the storage record of one node of a composition tree.
type Durable struct {
	ExecutionID      string
	TypeTag          string
	IndexToExecution map[int]string
	Tombstones       []string
}

// ToDurable flattens c into one record per node, parent first and children
// in index order.
func (c *Composition) ToDurable() []Durable {
	root := Durable{
		ExecutionID: c.ExecutionID,
		TypeTag:     c.TypeTag(),
		Tombstones:  c.Tombstones(),
	}
	if c.IsAtomic() {
		return []Durable{root}
	}

	root.IndexToExecution = map[int]string{}
	records := []Durable{root}
	written := map[string]bool{}
	for i, sub := range c.subs {
		if sub == nil {
			continue
		}
		root.IndexToExecution[c.Range.Start+i] = sub.ExecutionID
		if written[sub.ExecutionID] {
			continue
		}
		written[sub.ExecutionID] = true
		records = append(records, sub.ToDurable()...)
	}
	return records
}

// LookupFunc loads the record for an execution id. found is false when no
// record was ever stored.
type LookupFunc func(executionID string) (record Durable, found bool, err error)

// FromDurable rebuilds the tree rooted at executionID. Ids without a stored
// record are treated as atomic.
func FromDurable(executionID string, lookup LookupFunc) (*Composition, error) {
	return fromDurable(executionID, lookup, 0)
}

func fromDurable(executionID string, lookup LookupFunc, depth int) (*Composition, error) {
	record, found, err := lookup(executionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return Atomic(executionID), nil
	}
	r, err := ParseTypeTag(record.TypeTag)
	if err != nil {
		return nil, err
	}
	c := FromIndicesRange(r, executionID)
	for _, id := range record.Tombstones {
		c.Tombstone(id)
	}
	if c.IsAtomic() {
		return c, nil
	}
	if depth > 0 {
		return nil, plzerr.Validation("execution %s is nested more than one level deep", executionID)
	}

	subs := map[string]*Composition{}
	for _, index := range slices.Sorted(maps.Keys(record.IndexToExecution)) {
		subID := record.IndexToExecution[index]
		sub, ok := subs[subID]
		if !ok {
			sub, err = fromDurable(subID, lookup, depth+1)
			if err != nil {
				return nil, err
			}
			subs[subID] = sub
		}
		if err := c.Assign(index, sub); err != nil {
			return nil, err
		}
	}
	return c, nil
}
