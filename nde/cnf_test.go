package nde

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"

	"github.com/gosbi/gosbi/rng"
)

// perturb nudges every parameter so the flow is no longer the base density.
func perturb(t *testing.T, f Flow, key rng.Key, scale float64) {
	t.Helper()
	r := key.Rand()
	for _, p := range f.Params() {
		d := p.Data()
		for i := range d {
			d[i] += scale * (2*r.Float64() - 1)
		}
	}
}

func stdNormalLogDensity(x []float64) float64 {
	lp := -0.5 * float64(len(x)) * math.Log(2*math.Pi)
	for _, v := range x {
		lp -= 0.5 * v * v
	}
	return lp
}

func TestFreshCNFIsStandardNormal(t *testing.T) {
	c, err := NewCNF(rng.NewKey(0), CNFConfig{
		EventDim:     2,
		ContextDim:   2,
		WidthSize:    8,
		Depth:        1,
		ExactLogProb: true,
	})
	if err != nil {
		t.Fatalf("NewCNF failed: %v", err)
	}

	for _, x := range [][]float64{{0, 0}, {1.5, -0.7}, {-3, 2}} {
		lp, err := c.LogProb(x, []float64{0.3, -0.1})
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		if want := stdNormalLogDensity(x); math.Abs(lp-want) > 1e-10 {
			t.Errorf("LogProb(%v) = %v, want %v", x, lp, want)
		}
	}
}

func TestCNFSampleLogProbConsistency(t *testing.T) {
	c, err := NewCNF(rng.NewKey(1), CNFConfig{
		EventDim:     2,
		ContextDim:   1,
		WidthSize:    8,
		Depth:        1,
		Solver:       Heun{},
		DT:           0.05,
		T1:           1,
		ExactLogProb: true,
	})
	if err != nil {
		t.Fatalf("NewCNF failed: %v", err)
	}
	perturb(t, c, rng.NewKey(2), 0.05)

	context := []float64{0.4}
	for _, k := range rng.NewKey(3).Split(5) {
		x, lpSample, err := c.SampleAndLogProb(k, context)
		if err != nil {
			t.Fatalf("SampleAndLogProb failed: %v", err)
		}
		lp, err := c.LogProb(x, context)
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		// Forward and backward integrations evaluate the field on shifted
		// grids, so agreement is up to discretization error.
		if math.IsNaN(lp) || math.Abs(lp-lpSample) > 1e-2 {
			t.Errorf("LogProb = %v, SampleAndLogProb reported %v", lp, lpSample)
		}
	}
}

func TestCNFExactAndHutchinsonAgreeInOneDimension(t *testing.T) {
	// With a single event dimension the Rademacher estimate is exact.
	mk := func(exact bool) *CNF {
		c, err := NewCNF(rng.NewKey(4), CNFConfig{
			EventDim:     1,
			ContextDim:   1,
			WidthSize:    8,
			Depth:        1,
			ExactLogProb: exact,
		})
		if err != nil {
			t.Fatalf("NewCNF failed: %v", err)
		}
		perturb(t, c, rng.NewKey(5), 0.1)
		return c
	}
	exact, hutch := mk(true), mk(false)

	for _, x := range []float64{-1.2, 0, 0.8} {
		le, err := exact.LogProb([]float64{x}, []float64{0.2})
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		lh, err := hutch.LogProb([]float64{x}, []float64{0.2})
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		if math.Abs(le-lh) > 1e-10 {
			t.Errorf("exact %v vs estimated %v at x=%v", le, lh, x)
		}
	}
}

func TestCNFLogProbGradMatchesFiniteDifferences(t *testing.T) {
	c, err := NewCNF(rng.NewKey(6), CNFConfig{
		EventDim:     2,
		ContextDim:   1,
		WidthSize:    4,
		Depth:        1,
		ExactLogProb: true,
	})
	if err != nil {
		t.Fatalf("NewCNF failed: %v", err)
	}
	perturb(t, c, rng.NewKey(7), 0.1)

	x := []float64{0.5, -0.3}
	context := []float64{0.7}
	lp, dx, dctx, err := c.LogProbGrad(x, context)
	if err != nil {
		t.Fatalf("LogProbGrad failed: %v", err)
	}
	if lpDirect, _ := c.LogProb(x, context); math.Abs(lp-lpDirect) > 1e-12 {
		t.Errorf("LogProbGrad value %v differs from LogProb %v", lp, lpDirect)
	}

	wantDx := fd.Gradient(nil, func(p []float64) float64 {
		v, _ := c.LogProb(p, context)
		return v
	}, x, nil)
	for i := range x {
		if math.Abs(dx[i]-wantDx[i]) > 1e-5 {
			t.Errorf("dx[%d] = %v, fd = %v", i, dx[i], wantDx[i])
		}
	}

	wantDctx := fd.Gradient(nil, func(p []float64) float64 {
		v, _ := c.LogProb(x, p)
		return v
	}, context, nil)
	if math.Abs(dctx[0]-wantDctx[0]) > 1e-5 {
		t.Errorf("dcontext = %v, fd = %v", dctx[0], wantDctx[0])
	}
}

func TestCNFTrainingObjectiveIsDifferentiable(t *testing.T) {
	c, err := NewCNF(rng.NewKey(8), CNFConfig{
		EventDim:     2,
		ContextDim:   2,
		WidthSize:    8,
		Depth:        1,
		ExactLogProb: true,
	})
	if err != nil {
		t.Fatalf("NewCNF failed: %v", err)
	}

	nll, err := c.NegLogProb([]float64{0.2, -1.1}, []float64{0.5, 0.5})
	if err != nil {
		t.Fatalf("NegLogProb failed: %v", err)
	}
	grads := gradAll(nll, c)
	var nonZero bool
	for _, g := range grads {
		for _, v := range g {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite parameter gradient")
			}
			if v != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Errorf("objective gradient vanished everywhere")
	}
}

func TestNewCNFValidation(t *testing.T) {
	key := rng.NewKey(9)
	if _, err := NewCNF(key, CNFConfig{EventDim: 0}); err == nil {
		t.Errorf("zero event dimension accepted")
	}
	if _, err := NewCNF(key, CNFConfig{EventDim: 2, DT: 0.5, T1: 0.1}); err == nil {
		t.Errorf("step larger than horizon accepted")
	}
	if _, err := NewCNF(key, CNFConfig{EventDim: 2, ContextDim: -1}); err == nil {
		t.Errorf("negative context dimension accepted")
	}
}
