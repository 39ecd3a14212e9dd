package model

import (
	"encoding/json"
	"testing"
)

func TestIndexRangeWireFormatIsPair(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(StartMetadata{ExecutionID: "exec_1", IndexRange: &IndexRange{Start: 2, End: 7}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		IndexRange []int `json:"index_range"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.IndexRange) != 2 || decoded.IndexRange[0] != 2 || decoded.IndexRange[1] != 7 {
		t.Fatalf("unexpected wire range: %v", decoded.IndexRange)
	}

	var r IndexRange
	if err := json.Unmarshal([]byte(`[1, 2, 3]`), &r); err == nil {
		t.Fatal("expected error for three-element range")
	}
}

func TestParseIndexRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    IndexRange
		wantErr bool
	}{
		{raw: "0:5", want: IndexRange{Start: 0, End: 5}},
		{raw: " 3 : 3 ", want: IndexRange{Start: 3, End: 3}},
		{raw: "5:2", wantErr: true},
		{raw: "-1:2", wantErr: true},
		{raw: "5", wantErr: true},
		{raw: "a:2", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseIndexRange(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseIndexRange(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseIndexRange(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseIndexRange(%q): got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestReproducesIgnoresBookkeepingFields(t *testing.T) {
	t.Parallel()

	original := StartMetadata{ExecutionID: "exec_1", SnapshotID: "plz/builds:abc", Command: []string{"python", "main.py"}}
	rerun := original
	rerun.PreviousExecutionID = "exec_0"
	rerun.Parameters = json.RawMessage(`{"foo":66}`)
	if !original.Reproduces(rerun) {
		t.Fatal("expected bookkeeping-only change to reproduce the original")
	}

	changed := original
	changed.Command = []string{"python", "other.py"}
	if original.Reproduces(changed) {
		t.Fatal("expected changed command to be rejected")
	}
}

func TestMarketSpecMaxIdleSeconds(t *testing.T) {
	t.Parallel()

	if got, want := (InstanceMarketSpec{}).MaxIdleSeconds(1800), int64(1800); got != want {
		t.Fatalf("unexpected fallback: got %d want %d", got, want)
	}
	minutes := 2
	spec := InstanceMarketSpec{InstanceMaxIdleTimeInMinutes: &minutes}
	if got, want := spec.MaxIdleSeconds(1800), int64(120); got != want {
		t.Fatalf("unexpected idle seconds: got %d want %d", got, want)
	}
}
