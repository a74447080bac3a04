package nde

import (
	"github.com/pkg/errors"

	"github.com/gosbi/gosbi/ad"
	"github.com/gosbi/gosbi/nn"
	"github.com/gosbi/gosbi/rng"
)

// CNFConfig configures a continuous normalizing flow.
type CNFConfig struct {
	// EventDim is the dimension of the modelled vector. Required.
	EventDim int
	// ContextDim is the dimension of the conditioning vector. Zero means
	// unconditional.
	ContextDim int
	// WidthSize and Depth shape the vector-field network. Depth is the
	// number of hidden layers; zero gives a linear field.
	WidthSize int
	Depth     int
	// Solver integrates the field. Defaults to Euler.
	Solver Solver
	// DT is the integration step and T1 the integration horizon. They
	// default to 0.1 and 1.
	DT float64
	T1 float64
	// ExactLogProb selects the exact divergence (one gradient per event
	// dimension). When false the divergence is a Hutchinson estimate with
	// a fixed Rademacher probe drawn at construction.
	ExactLogProb bool
	// Scaler standardizes inputs. May be nil.
	Scaler *Scaler
	// Activation of the vector-field network. Defaults to tanh.
	Activation nn.Activation
}

// CNF is a continuous normalizing flow. A network f(t, z, context)
// parameterizes dz/dt; densities follow from integrating the negative
// divergence of f alongside the state.
//
// A fresh CNF has a zero-initialized output layer, so the field is the zero
// map and the flow starts as the standard normal base density.
type CNF struct {
	net    *nn.MLP
	solver Solver
	scaler *Scaler

	eventDim, contextDim int
	dt, t1               float64
	steps                int
	h                    float64
	exact                bool
	probe                *ad.Value
}

var _ Flow = (*CNF)(nil)

// NewCNF constructs a continuous normalizing flow from the configuration.
func NewCNF(key rng.Key, cfg CNFConfig) (*CNF, error) {
	if cfg.EventDim <= 0 {
		return nil, errors.Errorf("nde: cnf event dimension %d", cfg.EventDim)
	}
	if cfg.ContextDim < 0 {
		return nil, errors.Errorf("nde: cnf context dimension %d", cfg.ContextDim)
	}
	if cfg.DT == 0 {
		cfg.DT = 0.1
	}
	if cfg.T1 == 0 {
		cfg.T1 = 1
	}
	if cfg.DT < 0 || cfg.T1 < 0 || cfg.DT > cfg.T1 {
		return nil, errors.Errorf("nde: cnf step %v incompatible with horizon %v", cfg.DT, cfg.T1)
	}
	if cfg.Solver == nil {
		cfg.Solver = Euler{}
	}

	netKey, probeKey := key.Fold(0), key.Fold(1)
	net, err := nn.NewMLP(netKey, cfg.EventDim+cfg.ContextDim+1, cfg.EventDim, cfg.WidthSize, cfg.Depth, cfg.Activation)
	if err != nil {
		return nil, errors.Wrap(err, "nde: cnf vector field")
	}

	steps := int(cfg.T1/cfg.DT + 0.5)
	if steps < 1 {
		steps = 1
	}
	c := &CNF{
		net:        net,
		solver:     cfg.Solver,
		scaler:     cfg.Scaler,
		eventDim:   cfg.EventDim,
		contextDim: cfg.ContextDim,
		dt:         cfg.DT,
		t1:         cfg.T1,
		steps:      steps,
		h:          cfg.T1 / float64(steps),
		exact:      cfg.ExactLogProb,
	}
	if !cfg.ExactLogProb {
		c.probe = rademacher(probeKey, cfg.EventDim)
	}
	return c, nil
}

func rademacher(key rng.Key, n int) *ad.Value {
	r := key.Rand()
	d := make([]float64, n)
	for i := range d {
		if r.Uint64()&1 == 0 {
			d[i] = 1
		} else {
			d[i] = -1
		}
	}
	return ad.Vector(d...)
}

// EventDim returns the dimension of the modelled vector.
func (c *CNF) EventDim() int { return c.eventDim }

// ContextDim returns the dimension of the conditioning vector.
func (c *CNF) ContextDim() int { return c.contextDim }

// Params returns the vector-field network parameters.
func (c *CNF) Params() []*ad.Value { return c.net.Params() }

// field evaluates dz/dt at time t for a standardized state z.
func (c *CNF) field(t float64, z, context *ad.Value) *ad.Value {
	if context != nil {
		return c.net.Apply(ad.Concat(z, context, ad.Scalar(t)))
	}
	return c.net.Apply(ad.Concat(z, ad.Scalar(t)))
}

// divergence returns tr df/dz at the point where fz was evaluated.
func (c *CNF) divergence(fz, z *ad.Value) *ad.Value {
	if c.exact {
		div := ad.Scalar(0)
		for i := 0; i < c.eventDim; i++ {
			gi := ad.Grad(ad.Index(fz, i), z)[0]
			div = ad.Add(div, ad.Index(gi, i))
		}
		return div
	}
	// Hutchinson: eps' J eps estimates the trace.
	g := ad.Grad(ad.Dot(fz, c.probe), z)[0]
	return ad.Dot(c.probe, g)
}

// augmented couples the state derivative with the divergence. dir is +1 for
// the generative direction and -1 for density evaluation, where the state
// runs backward while the divergence integral still accumulates forward.
func (c *CNF) augmented(dir float64, context *ad.Value) VectorField {
	return func(s float64, state *ad.Value) *ad.Value {
		z := ad.SliceVec(state, 0, c.eventDim)
		t := s
		if dir < 0 {
			t = c.t1 - s
		}
		fz := c.field(t, z, context)
		div := c.divergence(fz, z)
		return ad.Concat(ad.Scale(fz, dir), div)
	}
}

func (c *CNF) integrate(f VectorField, state *ad.Value) *ad.Value {
	for i := 0; i < c.steps; i++ {
		state = c.solver.Step(f, float64(i)*c.h, c.h, state)
	}
	return state
}

// logProbNode builds log p(x | context) over the given nodes.
func (c *CNF) logProbNode(x, context *ad.Value) *ad.Value {
	z := c.scaler.scaleEventNode(x)
	if context != nil {
		context = c.scaler.scaleContextNode(context)
	}

	state := c.integrate(c.augmented(-1, context), ad.Concat(z, ad.Scalar(0)))
	z0 := ad.SliceVec(state, 0, c.eventDim)
	divInt := ad.Index(state, c.eventDim)

	lp := ad.Sub(stdNormalLogProb(z0), divInt)
	return ad.Shift(lp, -c.scaler.LogDetJacobian())
}

func (c *CNF) contextNode(context []float64) *ad.Value {
	if c.contextDim == 0 {
		return nil
	}
	return ad.Vector(context...)
}

// LogProb evaluates log p(x | context).
func (c *CNF) LogProb(x, context []float64) (float64, error) {
	if err := checkEvent("cnf", x, c.eventDim); err != nil {
		return 0, err
	}
	if err := checkContext("cnf", context, c.contextDim); err != nil {
		return 0, err
	}
	return c.logProbNode(ad.Vector(x...), c.contextNode(context)).Scalar(), nil
}

// LogProbGrad evaluates log p(x | context) and its input gradients.
func (c *CNF) LogProbGrad(x, context []float64) (float64, []float64, []float64, error) {
	if err := checkEvent("cnf", x, c.eventDim); err != nil {
		return 0, nil, nil, err
	}
	if err := checkContext("cnf", context, c.contextDim); err != nil {
		return 0, nil, nil, err
	}

	xv := ad.Vector(x...)
	cv := c.contextNode(context)
	lp := c.logProbNode(xv, cv)
	if cv == nil {
		g := ad.Grad(lp, xv)
		return lp.Scalar(), g[0].Data(), nil, nil
	}
	g := ad.Grad(lp, xv, cv)
	return lp.Scalar(), g[0].Data(), g[1].Data(), nil
}

// NegLogProb builds the training objective -log p(x | context).
func (c *CNF) NegLogProb(x, context []float64) (*ad.Value, error) {
	if err := checkEvent("cnf", x, c.eventDim); err != nil {
		return nil, err
	}
	if err := checkContext("cnf", context, c.contextDim); err != nil {
		return nil, err
	}
	return ad.Neg(c.logProbNode(ad.Vector(x...), c.contextNode(context))), nil
}

// SampleAndLogProb draws one event vector by integrating the field forward
// from a base draw.
func (c *CNF) SampleAndLogProb(key rng.Key, context []float64) ([]float64, float64, error) {
	if err := checkContext("cnf", context, c.contextDim); err != nil {
		return nil, 0, err
	}
	var cv *ad.Value
	if c.contextDim > 0 {
		cv = c.scaler.scaleContextNode(ad.Vector(context...))
	}

	z0 := stdNormalSample(key, c.eventDim)
	base := stdNormalLogProb(ad.Vector(z0...)).Scalar()

	state := c.integrate(c.augmented(+1, cv), ad.Concat(ad.Vector(z0...), ad.Scalar(0)))
	z := make([]float64, c.eventDim)
	copy(z, state.Data()[:c.eventDim])
	divInt := state.At(c.eventDim)

	x := c.scaler.UnscaleEvent(z)
	lp := base - divInt - c.scaler.LogDetJacobian()
	return x, lp, nil
}
