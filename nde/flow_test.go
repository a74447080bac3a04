package nde

import (
	"testing"

	"github.com/gosbi/gosbi/ad"
)

func gradAll(out *ad.Value, f Flow) [][]float64 {
	grads := ad.Grad(out, f.Params()...)
	res := make([][]float64, len(grads))
	for i, g := range grads {
		res[i] = g.Data()
	}
	return res
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Mode
	}{
		{"nle", ModeNLE},
		{"NLE", ModeNLE},
		{"npe", ModeNPE},
		{"NPE", ModeNPE},
	} {
		got, err := ParseMode(tc.in)
		if err != nil {
			t.Fatalf("ParseMode(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseMode("snle"); err == nil {
		t.Errorf("unknown mode accepted")
	}

	if ModeNLE.String() != "nle" || ModeNPE.String() != "npe" {
		t.Errorf("mode names: %q, %q", ModeNLE.String(), ModeNPE.String())
	}
}
