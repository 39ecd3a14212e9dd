package composition

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestFromIndicesRange(t *testing.T) {
	t.Parallel()

	atomic := FromIndicesRange(nil, "exec_top")
	if !atomic.IsAtomic() {
		t.Fatal("expected nil range to produce an atomic composition")
	}
	if got, want := atomic.TypeTag(), "atomic"; got != want {
		t.Fatalf("unexpected type tag: got %q want %q", got, want)
	}

	indices := FromIndicesRange(&model.IndexRange{Start: 2, End: 6}, "exec_top")
	if indices.IsAtomic() {
		t.Fatal("expected range to produce an indices composition")
	}
	if got, want := indices.TypeTag(), "indices#2#6"; got != want {
		t.Fatalf("unexpected type tag: got %q want %q", got, want)
	}
	for i := 2; i < 6; i++ {
		if _, ok := indices.SubAt(i); ok {
			t.Fatalf("expected index %d to be unassigned", i)
		}
	}
}

func TestCreateRunnableUnitsAtomicReturnsTopLevel(t *testing.T) {
	t.Parallel()

	c := Atomic("exec_top")
	units, err := CreateRunnableUnits(c, model.StartMetadata{SnapshotID: "snap"}, 0, sequentialIDs("sub"))
	if err != nil {
		t.Fatalf("CreateRunnableUnits: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected one unit, got %d", len(units))
	}
	if got, want := units[0].ExecutionID, "exec_top"; got != want {
		t.Fatalf("unexpected unit id: got %q want %q", got, want)
	}
	if got := DescribeComponent(units[0]); got != "" {
		t.Fatalf("expected empty description for atomic unit, got %q", got)
	}
}

func TestCreateRunnableUnitsChunksRange(t *testing.T) {
	t.Parallel()

	c := Indices("exec_top", model.IndexRange{Start: 3, End: 10})
	units, err := CreateRunnableUnits(c, model.StartMetadata{SnapshotID: "snap", IndicesPerExecution: 3}, 3, sequentialIDs("sub"))
	if err != nil {
		t.Fatalf("CreateRunnableUnits: %v", err)
	}
	if got, want := len(units), 3; got != want {
		t.Fatalf("unexpected unit count: got %d want %d", got, want)
	}

	wantRanges := []model.IndexRange{{Start: 3, End: 6}, {Start: 6, End: 9}, {Start: 9, End: 10}}
	for i, unit := range units {
		if got, want := *unit.IndexRange, wantRanges[i]; got != want {
			t.Fatalf("unit %d: unexpected range: got %v want %v", i, got, want)
		}
		if got, want := unit.ParentExecutionID, "exec_top"; got != want {
			t.Fatalf("unit %d: unexpected parent: got %q want %q", i, got, want)
		}
		if unit.IndicesPerExecution != 0 {
			t.Fatalf("unit %d: expected indices_per_execution to be cleared", i)
		}
	}
	if got, want := DescribeComponent(units[0]), "Indices: 3,4,5: "; got != want {
		t.Fatalf("unexpected description: got %q want %q", got, want)
	}

	sub, ok := c.SubAt(7)
	if !ok || sub.ExecutionID != units[1].ExecutionID {
		t.Fatalf("expected index 7 to point at %q, got %+v", units[1].ExecutionID, sub)
	}
	if got, want := c.IndicesOf(units[2].ExecutionID), []int{9}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("unexpected indices for last unit: got %v want %v", got, want)
	}
	if got, want := len(c.LeafExecutionIDs()), 3; got != want {
		t.Fatalf("unexpected leaf count: got %d want %d", got, want)
	}
}

func TestCreateRunnableUnitsEdgeCases(t *testing.T) {
	t.Parallel()

	empty := Indices("exec_top", model.IndexRange{Start: 4, End: 4})
	units, err := CreateRunnableUnits(empty, model.StartMetadata{}, 1, sequentialIDs("sub"))
	if err != nil {
		t.Fatalf("empty range should not fail: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("expected zero units for empty range, got %d", len(units))
	}

	wide := Indices("exec_top", model.IndexRange{Start: 0, End: 4})
	units, err = CreateRunnableUnits(wide, model.StartMetadata{}, 100, sequentialIDs("sub"))
	if err != nil {
		t.Fatalf("CreateRunnableUnits: %v", err)
	}
	if len(units) != 1 || *units[0].IndexRange != (model.IndexRange{Start: 0, End: 4}) {
		t.Fatalf("expected one unit covering the whole range, got %+v", units)
	}

	_, err = CreateRunnableUnits(Indices("exec_top", model.IndexRange{Start: 0, End: 4}), model.StartMetadata{}, -1, sequentialIDs("sub"))
	if !plzerr.Is(err, plzerr.KindValidation) {
		t.Fatalf("expected validation error for negative chunk size, got %v", err)
	}

	_, err = CreateRunnableUnits(Indices("exec_top", model.IndexRange{Start: 5, End: 1}), model.StartMetadata{}, 1, sequentialIDs("sub"))
	if !plzerr.Is(err, plzerr.KindValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestAssignRejectsNestedFanOut(t *testing.T) {
	t.Parallel()

	c := Indices("exec_top", model.IndexRange{Start: 0, End: 2})
	nested := Indices("exec_nested", model.IndexRange{Start: 0, End: 1})
	if err := c.Assign(0, nested); !plzerr.Is(err, plzerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := c.Assign(5, Atomic("exec_sub")); !plzerr.Is(err, plzerr.KindValidation) {
		t.Fatalf("expected validation error for out-of-range index, got %v", err)
	}
}

func TestTombstonesExcludedFromLiveLeaves(t *testing.T) {
	t.Parallel()

	c := Indices("exec_top", model.IndexRange{Start: 0, End: 3})
	if _, err := CreateRunnableUnits(c, model.StartMetadata{}, 1, sequentialIDs("sub")); err != nil {
		t.Fatalf("CreateRunnableUnits: %v", err)
	}
	c.Tombstone("sub-2")

	live := c.LiveLeafExecutionIDs()
	if got, want := fmt.Sprint(live), "[sub-1 sub-3]"; got != want {
		t.Fatalf("unexpected live leaves: got %s want %s", got, want)
	}
	if got, want := len(c.LeafExecutionIDs()), 3; got != want {
		t.Fatalf("tombstones must not remove leaves: got %d want %d", got, want)
	}
}

func TestJsonableShape(t *testing.T) {
	t.Parallel()

	c := Indices("exec_top", model.IndexRange{Start: 0, End: 2})
	if err := c.Assign(0, Atomic("sub-a")); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	c.Tombstone("sub-old")

	b, err := json.Marshal(c.Jsonable())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		ExecutionID           string                     `json:"execution_id"`
		IndicesToCompositions map[string]json.RawMessage `json:"indices_to_compositions"`
		TombstoneExecutions   []string                   `json:"tombstone_executions"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if decoded.ExecutionID != "exec_top" {
		t.Fatalf("unexpected execution id in %s", b)
	}
	if got, want := string(decoded.IndicesToCompositions["0"]), `{"execution_id":"sub-a"}`; got != want {
		t.Fatalf("unexpected index 0: got %s want %s", got, want)
	}
	if got, want := string(decoded.IndicesToCompositions["1"]), "null"; got != want {
		t.Fatalf("unassigned index must be null: got %s want %s", got, want)
	}
	if len(decoded.TombstoneExecutions) != 1 || decoded.TombstoneExecutions[0] != "sub-old" {
		t.Fatalf("unexpected tombstones: %v", decoded.TombstoneExecutions)
	}
}

func TestFromDurableDefaultsToAtomic(t *testing.T) {
	t.Parallel()

	c, err := FromDurable("exec_legacy", func(string) (Durable, bool, error) {
		return Durable{}, false, nil
	})
	if err != nil {
		t.Fatalf("FromDurable: %v", err)
	}
	if !c.IsAtomic() || c.ExecutionID != "exec_legacy" {
		t.Fatalf("expected atomic default, got %+v", c)
	}
}

func TestParseTypeTag(t *testing.T) {
	t.Parallel()

	r, err := ParseTypeTag("indices#0#5")
	if err != nil {
		t.Fatalf("ParseTypeTag: %v", err)
	}
	if *r != (model.IndexRange{Start: 0, End: 5}) {
		t.Fatalf("unexpected range %v", *r)
	}
	for _, bad := range []string{"indices#0", "indices#a#1", "tree#0#1", "indices#3#1"} {
		if _, err := ParseTypeTag(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestJsonableDecodesServedShape(t *testing.T) {
	t.Parallel()

	var j Jsonable
	body := `{"execution_id":"exec_top","indices_to_compositions":{"3":{"execution_id":"sub-a"},"4":null},"tombstone_executions":["sub-b"]}`
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if j.IsAtomic() {
		t.Fatal("expected indices composition")
	}
	if sub := j.IndicesToCompositions[3]; sub == nil || sub.ExecutionID != "sub-a" || !sub.IsAtomic() {
		t.Fatalf("unexpected index 3: %+v", sub)
	}
	if sub, ok := j.IndicesToCompositions[4]; !ok || sub != nil {
		t.Fatalf("index 4 must be present and unassigned, got %+v", sub)
	}
	if fmt.Sprint(j.TombstoneExecutions) != "[sub-b]" {
		t.Fatalf("unexpected tombstones: %v", j.TombstoneExecutions)
	}

	if err := json.Unmarshal([]byte(`{"indices_to_compositions":{"x":null}}`), &j); err == nil {
		t.Fatal("expected error for non-numeric index")
	}
}
