package nde

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gosbi/gosbi/ad"
	"github.com/gosbi/gosbi/nn"
	"github.com/gosbi/gosbi/rng"
)

// MAFConfig configures a masked autoregressive flow.
type MAFConfig struct {
	// EventDim is the dimension of the modelled vector. Required.
	EventDim int
	// ContextDim is the dimension of the conditioning vector. Zero means
	// unconditional.
	ContextDim int
	// WidthSize is the hidden width of each conditioner. Defaults to 32.
	WidthSize int
	// NNDepth is the number of hidden layers per conditioner. Defaults
	// to 2.
	NNDepth int
	// NLayers is the number of stacked autoregressive transforms, with
	// order reversal in between. Defaults to 5.
	NLayers int
	// Scaler standardizes inputs. May be nil.
	Scaler *Scaler
	// Activation of the conditioners. Defaults to tanh.
	Activation nn.Activation
}

// MAF is a masked autoregressive flow. Each transform shifts and scales
// dimension i using a MADE-masked conditioner of dimensions before i and the
// context, so the density needs a single pass while sampling proceeds
// dimension by dimension.
//
// Conditioner output layers start at zero, so a fresh MAF is the standard
// normal base density.
type MAF struct {
	layers []*mafLayer
	scaler *Scaler
	rev    []int

	eventDim, contextDim int
}

var _ Flow = (*MAF)(nil)

// NewMAF constructs a masked autoregressive flow from the configuration.
func NewMAF(key rng.Key, cfg MAFConfig) (*MAF, error) {
	if cfg.EventDim <= 0 {
		return nil, errors.Errorf("nde: maf event dimension %d", cfg.EventDim)
	}
	if cfg.ContextDim < 0 {
		return nil, errors.Errorf("nde: maf context dimension %d", cfg.ContextDim)
	}
	if cfg.WidthSize == 0 {
		cfg.WidthSize = 32
	}
	if cfg.NNDepth == 0 {
		cfg.NNDepth = 2
	}
	if cfg.NLayers == 0 {
		cfg.NLayers = 5
	}
	if cfg.WidthSize < 0 || cfg.NNDepth < 0 || cfg.NLayers < 0 {
		return nil, errors.Errorf("nde: maf sizes width=%d depth=%d layers=%d", cfg.WidthSize, cfg.NNDepth, cfg.NLayers)
	}
	act := cfg.Activation
	if act == nil {
		act = ad.Tanh
	}

	m := &MAF{
		scaler:     cfg.Scaler,
		eventDim:   cfg.EventDim,
		contextDim: cfg.ContextDim,
		rev:        make([]int, cfg.EventDim),
	}
	for i := range m.rev {
		m.rev[i] = cfg.EventDim - 1 - i
	}
	for _, k := range key.Split(cfg.NLayers) {
		m.layers = append(m.layers, newMAFLayer(k, cfg.EventDim, cfg.ContextDim, cfg.WidthSize, cfg.NNDepth, act))
	}
	return m, nil
}

// EventDim returns the dimension of the modelled vector.
func (m *MAF) EventDim() int { return m.eventDim }

// ContextDim returns the dimension of the conditioning vector.
func (m *MAF) ContextDim() int { return m.contextDim }

// Params returns the conditioner parameters of every transform.
func (m *MAF) Params() []*ad.Value {
	var params []*ad.Value
	for _, l := range m.layers {
		params = append(params, l.ws...)
		params = append(params, l.bs...)
	}
	return params
}

func (m *MAF) contextNode(context []float64) *ad.Value {
	if m.contextDim == 0 {
		return nil
	}
	return m.scaler.scaleContextNode(ad.Vector(context...))
}

// logProbNode inverts the transform stack and scores the base density.
func (m *MAF) logProbNode(x, context *ad.Value) *ad.Value {
	v := m.scaler.scaleEventNode(x)
	lp := ad.Scalar(0)
	for k := len(m.layers) - 1; k >= 0; k-- {
		if k < len(m.layers)-1 {
			v = ad.Permute(v, m.rev)
		}
		shift, logScale := m.layers[k].conditioner(v, context)
		v = ad.Mul(ad.Sub(v, shift), ad.Exp(ad.Neg(logScale)))
		lp = ad.Sub(lp, ad.Sum(logScale))
	}
	lp = ad.Add(lp, stdNormalLogProb(v))
	return ad.Shift(lp, -m.scaler.LogDetJacobian())
}

// LogProb evaluates log p(x | context).
func (m *MAF) LogProb(x, context []float64) (float64, error) {
	if err := checkEvent("maf", x, m.eventDim); err != nil {
		return 0, err
	}
	if err := checkContext("maf", context, m.contextDim); err != nil {
		return 0, err
	}
	return m.logProbNode(ad.Vector(x...), m.contextNode(context)).Scalar(), nil
}

// LogProbGrad evaluates log p(x | context) and its input gradients.
func (m *MAF) LogProbGrad(x, context []float64) (float64, []float64, []float64, error) {
	if err := checkEvent("maf", x, m.eventDim); err != nil {
		return 0, nil, nil, err
	}
	if err := checkContext("maf", context, m.contextDim); err != nil {
		return 0, nil, nil, err
	}

	xv := ad.Vector(x...)
	if m.contextDim == 0 {
		lp := m.logProbNode(xv, nil)
		g := ad.Grad(lp, xv)
		return lp.Scalar(), g[0].Data(), nil, nil
	}
	cvRaw := ad.Vector(context...)
	lp := m.logProbNode(xv, m.scaler.scaleContextNode(cvRaw))
	g := ad.Grad(lp, xv, cvRaw)
	return lp.Scalar(), g[0].Data(), g[1].Data(), nil
}

// NegLogProb builds the training objective -log p(x | context).
func (m *MAF) NegLogProb(x, context []float64) (*ad.Value, error) {
	if err := checkEvent("maf", x, m.eventDim); err != nil {
		return nil, err
	}
	if err := checkContext("maf", context, m.contextDim); err != nil {
		return nil, err
	}
	return ad.Neg(m.logProbNode(ad.Vector(x...), m.contextNode(context))), nil
}

// SampleAndLogProb draws one event vector by ancestral sampling through the
// transform stack.
func (m *MAF) SampleAndLogProb(key rng.Key, context []float64) ([]float64, float64, error) {
	if err := checkContext("maf", context, m.contextDim); err != nil {
		return nil, 0, err
	}
	cv := m.contextNode(context)

	v := stdNormalSample(key, m.eventDim)
	lp := stdNormalLogProb(ad.Vector(v...)).Scalar()
	for k, l := range m.layers {
		if k > 0 {
			reverseInPlace(v)
		}
		var logScaleSum float64
		v, logScaleSum = l.forward(v, cv)
		lp -= logScaleSum
	}

	x := m.scaler.UnscaleEvent(v)
	return x, lp - m.scaler.LogDetJacobian(), nil
}

func reverseInPlace(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

//======================================================================================================================
// Masked conditioner
//======================================================================================================================

// mafLayer is one autoregressive transform. The conditioner is an MLP whose
// weights are multiplied by binary masks enforcing that outputs for dimension
// i see only dimensions before i and the context.
type mafLayer struct {
	ws, bs []*ad.Value
	masks  []*ad.Value
	act    nn.Activation

	eventDim int
}

// newMAFLayer builds the masked conditioner. Event inputs carry degrees
// 1..d, context inputs degree 0 and hidden units cycle through 0..d-1, so
// dimension i reaches outputs for strictly later dimensions only while the
// context reaches everything.
func newMAFLayer(key rng.Key, eventDim, contextDim, width, depth int, act nn.Activation) *mafLayer {
	inDeg := make([]int, eventDim+contextDim)
	for i := 0; i < eventDim; i++ {
		inDeg[i] = i + 1
	}
	outDeg := make([]int, 2*eventDim)
	for i := 0; i < eventDim; i++ {
		outDeg[i] = i + 1
		outDeg[eventDim+i] = i + 1
	}
	hidDeg := make([]int, width)
	for i := range hidDeg {
		hidDeg[i] = i % eventDim
	}

	degs := make([][]int, 0, depth+2)
	degs = append(degs, inDeg)
	for i := 0; i < depth; i++ {
		degs = append(degs, hidDeg)
	}
	degs = append(degs, outDeg)

	l := &mafLayer{act: act, eventDim: eventDim}
	keys := key.Split(len(degs) - 1)
	for i := 1; i < len(degs); i++ {
		rows, cols := len(degs[i]), len(degs[i-1])
		last := i == len(degs)-1
		mask := make([]float64, rows*cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if (last && degs[i][r] > degs[i-1][c]) || (!last && degs[i][r] >= degs[i-1][c]) {
					mask[r*cols+c] = 1
				}
			}
		}
		l.ws = append(l.ws, initMaskedWeight(keys[i-1], rows, cols, last))
		l.bs = append(l.bs, ad.Zeros(rows, 1))
		l.masks = append(l.masks, ad.Matrix(rows, cols, mask))
	}
	return l
}

func initMaskedWeight(key rng.Key, rows, cols int, zero bool) *ad.Value {
	data := make([]float64, rows*cols)
	if !zero {
		r := key.Rand()
		bound := 1 / math.Sqrt(float64(cols))
		for i := range data {
			data[i] = (2*r.Float64() - 1) * bound
		}
	}
	return ad.Matrix(rows, cols, data)
}

// conditioner returns the shift and log-scale vectors for event vector x.
func (l *mafLayer) conditioner(x, context *ad.Value) (shift, logScale *ad.Value) {
	h := x
	if context != nil {
		h = ad.Concat(x, context)
	}
	last := len(l.ws) - 1
	for i := range l.ws {
		pre := ad.Add(ad.MatVec(ad.Mul(l.ws[i], l.masks[i]), h), l.bs[i])
		if i < last {
			h = l.act(pre)
		} else {
			h = pre
		}
	}
	return ad.SliceVec(h, 0, l.eventDim), ad.SliceVec(h, l.eventDim, 2*l.eventDim)
}

// forward maps a base vector u to x, one dimension at a time. The masks make
// shift[i] and logScale[i] final once dimensions before i are filled in.
func (l *mafLayer) forward(u []float64, context *ad.Value) (x []float64, logScaleSum float64) {
	x = make([]float64, len(u))
	for i := range u {
		shift, logScale := l.conditioner(ad.Vector(x...), context)
		x[i] = u[i]*math.Exp(logScale.At(i)) + shift.At(i)
		logScaleSum += logScale.At(i)
	}
	return x, logScaleSum
}
