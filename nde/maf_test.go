package nde

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/gosbi/gosbi/rng"
)

func TestFreshMAFIsStandardNormal(t *testing.T) {
	m, err := NewMAF(rng.NewKey(0), MAFConfig{
		EventDim:   3,
		ContextDim: 2,
	})
	if err != nil {
		t.Fatalf("NewMAF failed: %v", err)
	}

	for _, x := range [][]float64{{0, 0, 0}, {1, -2, 0.5}} {
		lp, err := m.LogProb(x, []float64{0.1, 0.9})
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		if want := stdNormalLogDensity(x); math.Abs(lp-want) > 1e-10 {
			t.Errorf("LogProb(%v) = %v, want %v", x, lp, want)
		}
	}
}

func TestMAFSampleLogProbConsistency(t *testing.T) {
	m, err := NewMAF(rng.NewKey(1), MAFConfig{
		EventDim:   2,
		ContextDim: 1,
		WidthSize:  16,
		NNDepth:    2,
		NLayers:    3,
	})
	if err != nil {
		t.Fatalf("NewMAF failed: %v", err)
	}
	perturb(t, m, rng.NewKey(2), 0.2)

	// The autoregressive inverse is exact, so sampling and scoring must
	// agree to numerical precision.
	context := []float64{-0.6}
	for _, k := range rng.NewKey(3).Split(10) {
		x, lpSample, err := m.SampleAndLogProb(k, context)
		if err != nil {
			t.Fatalf("SampleAndLogProb failed: %v", err)
		}
		lp, err := m.LogProb(x, context)
		if err != nil {
			t.Fatalf("LogProb failed: %v", err)
		}
		if math.IsNaN(lp) || math.Abs(lp-lpSample) > 1e-9 {
			t.Errorf("LogProb = %v, SampleAndLogProb reported %v", lp, lpSample)
		}
	}
}

func TestMAFAutoregressiveMasks(t *testing.T) {
	// Dimension 0 of a single transform must not depend on itself or on
	// later dimensions, only on the context.
	m, err := NewMAF(rng.NewKey(4), MAFConfig{
		EventDim:   3,
		ContextDim: 1,
		WidthSize:  8,
		NNDepth:    2,
		NLayers:    1,
	})
	if err != nil {
		t.Fatalf("NewMAF failed: %v", err)
	}
	perturb(t, m, rng.NewKey(5), 0.3)

	u := []float64{0.7, -0.4, 1.1}
	context := []float64{0.25}
	layer := m.layers[0]
	cv := m.contextNode(context)
	x1, _ := layer.forward(u, cv)
	u2 := append([]float64(nil), u...)
	u2[1], u2[2] = 9, -9
	x2, _ := layer.forward(u2, cv)
	if x1[0] != x2[0] {
		t.Errorf("first dimension depends on later base draws: %v vs %v", x1[0], x2[0])
	}
}

func TestMAFWithScaler(t *testing.T) {
	event := mat.NewDense(4, 2, []float64{
		10, -5,
		12, -4,
		14, -3,
		16, -2,
	})
	context := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	s, err := NewScaler(event, context, true)
	if err != nil {
		t.Fatalf("NewScaler failed: %v", err)
	}

	m, err := NewMAF(rng.NewKey(7), MAFConfig{
		EventDim:   2,
		ContextDim: 1,
		Scaler:     s,
	})
	if err != nil {
		t.Fatalf("NewMAF failed: %v", err)
	}
	perturb(t, m, rng.NewKey(8), 0.1)

	// Density consistency must survive standardization.
	x, lpSample, err := m.SampleAndLogProb(rng.NewKey(9), []float64{2.5})
	if err != nil {
		t.Fatalf("SampleAndLogProb failed: %v", err)
	}
	lp, err := m.LogProb(x, []float64{2.5})
	if err != nil {
		t.Fatalf("LogProb failed: %v", err)
	}
	if math.Abs(lp-lpSample) > 1e-9 {
		t.Errorf("LogProb = %v, SampleAndLogProb reported %v", lp, lpSample)
	}
}

func TestMAFLogProbGradMatchesFiniteDifferences(t *testing.T) {
	m, err := NewMAF(rng.NewKey(10), MAFConfig{
		EventDim:   2,
		ContextDim: 2,
		WidthSize:  8,
		NNDepth:    1,
		NLayers:    2,
	})
	if err != nil {
		t.Fatalf("NewMAF failed: %v", err)
	}
	perturb(t, m, rng.NewKey(11), 0.2)

	x := []float64{0.3, -0.9}
	context := []float64{0.5, -0.1}
	_, dx, dctx, err := m.LogProbGrad(x, context)
	if err != nil {
		t.Fatalf("LogProbGrad failed: %v", err)
	}

	wantDx := fd.Gradient(nil, func(p []float64) float64 {
		v, _ := m.LogProb(p, context)
		return v
	}, x, nil)
	wantDctx := fd.Gradient(nil, func(p []float64) float64 {
		v, _ := m.LogProb(x, p)
		return v
	}, context, nil)
	for i := range x {
		if math.Abs(dx[i]-wantDx[i]) > 1e-5 {
			t.Errorf("dx[%d] = %v, fd = %v", i, dx[i], wantDx[i])
		}
		if math.Abs(dctx[i]-wantDctx[i]) > 1e-5 {
			t.Errorf("dcontext[%d] = %v, fd = %v", i, dctx[i], wantDctx[i])
		}
	}
}

func TestNewMAFValidation(t *testing.T) {
	key := rng.NewKey(12)
	if _, err := NewMAF(key, MAFConfig{EventDim: 0}); err == nil {
		t.Errorf("zero event dimension accepted")
	}
	if _, err := NewMAF(key, MAFConfig{EventDim: 2, NLayers: -1}); err == nil {
		t.Errorf("negative layer count accepted")
	}
}
