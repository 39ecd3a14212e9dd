// Package composition models how one client-visible execution maps onto the
// atomic executions that actually run on instances.
//
// A composition is either Atomic (the execution runs as a single unit) or
// Indices (the execution fans out over an index range and every index points
// at an atomic sub-execution). Trees are at most two levels deep: the children
// of an Indices composition are always Atomic.
package composition

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

const (
	TypeTagAtomic  = "atomic"
	typeTagIndices = "indices"
)

type Composition struct {
	ExecutionID string
	// Range is nil for atomic compositions.
	Range *model.IndexRange

	// subs[i] is the sub-composition bound to index Range.Start+i, nil when
	// the index has not been assigned yet.
	subs       []*Composition
	tombstones map[string]struct{}
}

func Atomic(executionID string) *Composition {
	return &Composition{ExecutionID: executionID}
}

func Indices(executionID string, r model.IndexRange) *Composition {
	return &Composition{
		ExecutionID: executionID,
		Range:       &r,
		subs:        make([]*Composition, r.Len()),
		tombstones:  map[string]struct{}{},
	}
}

// FromIndicesRange returns an atomic composition when r is nil and an Indices
// composition with no assigned indices otherwise.
func FromIndicesRange(r *model.IndexRange, executionID string) *Composition {
	if r == nil {
		return Atomic(executionID)
	}
	return Indices(executionID, *r)
}

func (c *Composition) IsAtomic() bool {
	return c.Range == nil
}

// TypeTag is the durable discriminator: "atomic" or "indices#<start>#<end>".
func (c *Composition) TypeTag() string {
	if c.IsAtomic() {
		return TypeTagAtomic
	}
	return fmt.Sprintf("%s#%d#%d", typeTagIndices, c.Range.Start, c.Range.End)
}

// ParseTypeTag returns the index range encoded in tag, or nil for atomic.
func ParseTypeTag(tag string) (*model.IndexRange, error) {
	if tag == TypeTagAtomic {
		return nil, nil
	}
	parts := strings.Split(tag, "#")
	if len(parts) != 3 || parts[0] != typeTagIndices {
		return nil, plzerr.Validation("unknown composition type tag %q", tag)
	}
	start, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, plzerr.Validation("composition type tag %q has invalid start", tag)
	}
	end, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, plzerr.Validation("composition type tag %q has invalid end", tag)
	}
	r := model.IndexRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return nil, plzerr.Validation("composition type tag %q: %v", tag, err)
	}
	return &r, nil
}

// Assign binds index to sub. Only atomic sub-compositions are accepted.
func (c *Composition) Assign(index int, sub *Composition) error {
	if c.IsAtomic() {
		return plzerr.Validation("cannot assign index %d on atomic execution %s", index, c.ExecutionID)
	}
	if !c.Range.Contains(index) {
		return plzerr.Validation("index %d outside range %s of execution %s", index, c.Range, c.ExecutionID)
	}
	if sub == nil || !sub.IsAtomic() {
		return plzerr.Validation("index %d of execution %s must point at an atomic execution", index, c.ExecutionID)
	}
	c.subs[index-c.Range.Start] = sub
	return nil
}

// SubAt returns the sub-composition for index. ok is false when the index is
// out of range or not assigned yet.
func (c *Composition) SubAt(index int) (*Composition, bool) {
	if c.IsAtomic() || !c.Range.Contains(index) {
		return nil, false
	}
	sub := c.subs[index-c.Range.Start]
	return sub, sub != nil
}

// IndicesOf lists the indices bound to subExecutionID.
func (c *Composition) IndicesOf(subExecutionID string) []int {
	if c.IsAtomic() {
		return nil
	}
	var out []int
	for i, sub := range c.subs {
		if sub != nil && sub.ExecutionID == subExecutionID {
			out = append(out, c.Range.Start+i)
		}
	}
	return out
}

func (c *Composition) Tombstone(executionID string) {
	if c.tombstones == nil {
		c.tombstones = map[string]struct{}{}
	}
	c.tombstones[executionID] = struct{}{}
}

func (c *Composition) IsTombstoned(executionID string) bool {
	_, ok := c.tombstones[executionID]
	return ok
}

func (c *Composition) Tombstones() []string {
	out := make([]string, 0, len(c.tombstones))
	for id := range c.tombstones {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// LeafExecutionIDs lists the distinct atomic execution ids in index order.
// An atomic composition is its own single leaf.
func (c *Composition) LeafExecutionIDs() []string {
	if c.IsAtomic() {
		return []string{c.ExecutionID}
	}
	seen := map[string]bool{}
	var out []string
	for _, sub := range c.subs {
		if sub == nil || seen[sub.ExecutionID] {
			continue
		}
		seen[sub.ExecutionID] = true
		out = append(out, sub.ExecutionID)
	}
	return out
}

// LiveLeafExecutionIDs is LeafExecutionIDs without tombstoned executions.
func (c *Composition) LiveLeafExecutionIDs() []string {
	leaves := c.LeafExecutionIDs()
	return slices.DeleteFunc(leaves, c.IsTombstoned)
}

// Equal compares type tags, index assignments and tombstones.
func (c *Composition) Equal(other *Composition) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.ExecutionID != other.ExecutionID || c.TypeTag() != other.TypeTag() {
		return false
	}
	if !slices.Equal(c.Tombstones(), other.Tombstones()) {
		return false
	}
	if c.IsAtomic() {
		return true
	}
	for i := range c.subs {
		a, b := c.subs[i], other.subs[i]
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && !a.Equal(b) {
			return false
		}
	}
	return true
}

// Jsonable is the nested JSON shape served to clients.
type Jsonable struct {
	ExecutionID           string
	IndicesToCompositions map[int]*Jsonable
	TombstoneExecutions   []string
	atomic                bool
}

func (c *Composition) Jsonable() *Jsonable {
	out := &Jsonable{ExecutionID: c.ExecutionID, atomic: c.IsAtomic()}
	if c.IsAtomic() {
		return out
	}
	out.IndicesToCompositions = make(map[int]*Jsonable, len(c.subs))
	for i, sub := range c.subs {
		if sub == nil {
			out.IndicesToCompositions[c.Range.Start+i] = nil
			continue
		}
		out.IndicesToCompositions[c.Range.Start+i] = sub.Jsonable()
	}
	out.TombstoneExecutions = c.Tombstones()
	return out
}

func (j *Jsonable) MarshalJSON() ([]byte, error) {
	if j.atomic {
		return json.Marshal(map[string]any{"execution_id": j.ExecutionID})
	}
	indices := make(map[string]*Jsonable, len(j.IndicesToCompositions))
	for index, sub := range j.IndicesToCompositions {
		indices[strconv.Itoa(index)] = sub
	}
	tombstones := j.TombstoneExecutions
	if tombstones == nil {
		tombstones = []string{}
	}
	return json.Marshal(map[string]any{
		"execution_id":            j.ExecutionID,
		"indices_to_compositions": indices,
		"tombstone_executions":    tombstones,
	})
}

func (j *Jsonable) UnmarshalJSON(data []byte) error {
	var raw struct {
		ExecutionID string               `json:"execution_id"`
		Indices     map[string]*Jsonable `json:"indices_to_compositions"`
		Tombstones  []string             `json:"tombstone_executions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*j = Jsonable{ExecutionID: raw.ExecutionID, TombstoneExecutions: raw.Tombstones, atomic: raw.Indices == nil}
	if raw.Indices == nil {
		return nil
	}
	j.IndicesToCompositions = make(map[int]*Jsonable, len(raw.Indices))
	for key, sub := range raw.Indices {
		index, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("composition index %q: %w", key, err)
		}
		j.IndicesToCompositions[index] = sub
	}
	return nil
}

// IsAtomic reports whether the composition has no indices.
func (j *Jsonable) IsAtomic() bool { return j.atomic }
