package model

import (
	"testing"

	"github.com/prodo-dev/plz/internal/plzerr"
)

func TestCleanOutputPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		invalid bool
	}{
		{in: "", want: ""},
		{in: "/", want: ""},
		{in: "model/weights.bin", want: "model/weights.bin"},
		{in: "/model/./weights.bin", want: "model/weights.bin"},
		{in: "../secret", invalid: true},
		{in: "model/../../secret", invalid: true},
	}
	for _, tc := range cases {
		got, err := CleanOutputPath(tc.in)
		if tc.invalid {
			if !plzerr.Is(err, plzerr.KindValidation) {
				t.Fatalf("%q: expected validation error, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.in, got, tc.want)
		}
	}
}
