package nde

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/gosbi/gosbi/dist"
)

// Ensemble combines independently trained flows over the same event and
// context spaces. The mode tag fixes how members are conditioned when the
// ensemble is turned into a posterior density.
type Ensemble struct {
	mode    Mode
	members []Flow
}

// NewEnsemble validates that all members agree on mode-relevant dimensions
// and returns the ensemble. At least one member is required.
func NewEnsemble(mode Mode, members ...Flow) (*Ensemble, error) {
	if mode != ModeNLE && mode != ModeNPE {
		return nil, errors.Errorf("nde: invalid ensemble mode %d", int(mode))
	}
	if len(members) == 0 {
		return nil, errors.New("nde: ensemble needs at least one member")
	}
	for i, m := range members {
		if m.EventDim() != members[0].EventDim() || m.ContextDim() != members[0].ContextDim() {
			return nil, errors.Errorf(
				"nde: member %d has dimensions (%d, %d), member 0 has (%d, %d)",
				i, m.EventDim(), m.ContextDim(), members[0].EventDim(), members[0].ContextDim())
		}
	}
	return &Ensemble{mode: mode, members: append([]Flow(nil), members...)}, nil
}

// Mode returns the ensemble's inference mode.
func (e *Ensemble) Mode() Mode { return e.mode }

// Members returns the member flows.
func (e *Ensemble) Members() []Flow { return append([]Flow(nil), e.members...) }

// ParamDim returns the parameter dimension under the ensemble's mode.
func (e *Ensemble) ParamDim() int {
	if e.mode == ModeNLE {
		return e.members[0].ContextDim()
	}
	return e.members[0].EventDim()
}

// DataDim returns the data dimension under the ensemble's mode.
func (e *Ensemble) DataDim() int {
	if e.mode == ModeNLE {
		return e.members[0].EventDim()
	}
	return e.members[0].ContextDim()
}

// PosteriorTarget is an unnormalized posterior density over parameters,
// ready for gradient-based sampling.
type PosteriorTarget struct {
	dim     int
	logProb func(theta []float64) float64
	grad    func(theta []float64) []float64
}

// Dim returns the parameter dimension.
func (t *PosteriorTarget) Dim() int { return t.dim }

// LogProb returns the unnormalized log-posterior; -Inf outside the prior
// support.
func (t *PosteriorTarget) LogProb(theta []float64) float64 { return t.logProb(theta) }

// Grad returns the gradient of LogProb. Outside the prior support the
// gradient is zero.
func (t *PosteriorTarget) Grad(theta []float64) []float64 { return t.grad(theta) }

// LogProbFn binds the ensemble to an observation and a prior, producing the
// target log p(theta | obs) up to a constant. Member log-densities are summed
// and the prior is added once; outside the prior support the target is -Inf.
func (e *Ensemble) LogProbFn(obs []float64, prior dist.Prior) (*PosteriorTarget, error) {
	return e.target(obs, prior, e.members)
}

// MemberLogProbFn is LogProbFn restricted to a single member.
func (e *Ensemble) MemberLogProbFn(i int, obs []float64, prior dist.Prior) (*PosteriorTarget, error) {
	if i < 0 || i >= len(e.members) {
		return nil, errors.Errorf("nde: member index %d out of range [0,%d)", i, len(e.members))
	}
	return e.target(obs, prior, e.members[i:i+1])
}

func (e *Ensemble) target(obs []float64, prior dist.Prior, members []Flow) (*PosteriorTarget, error) {
	if prior == nil {
		return nil, errors.New("nde: target needs a prior")
	}
	if len(obs) != e.DataDim() {
		return nil, errors.Errorf("nde: observation length %d, want %d", len(obs), e.DataDim())
	}
	if prior.Dim() != e.ParamDim() {
		return nil, errors.Errorf("nde: prior dimension %d, want %d", prior.Dim(), e.ParamDim())
	}

	mode := e.mode
	dim := e.ParamDim()
	obs = append([]float64(nil), obs...)

	logProb := func(theta []float64) float64 {
		lp := prior.LogProb(theta)
		if math.IsInf(lp, -1) {
			return lp
		}
		for _, m := range members {
			var mlp float64
			var err error
			if mode == ModeNLE {
				mlp, err = m.LogProb(obs, theta)
			} else {
				mlp, err = m.LogProb(theta, obs)
			}
			if err != nil {
				return math.Inf(-1)
			}
			lp += mlp
		}
		return lp
	}

	grad := func(theta []float64) []float64 {
		g := make([]float64, dim)
		if math.IsInf(prior.LogProb(theta), -1) {
			return g
		}
		// The prior term must appear in the gradient exactly as it does
		// in LogProb. Priors without an analytic gradient get central
		// differences.
		if dp, ok := prior.(dist.Differentiable); ok {
			copy(g, dp.GradLogProb(theta))
		} else {
			fd.Gradient(g, prior.LogProb, theta, &fd.Settings{Formula: fd.Central})
		}
		for _, m := range members {
			var dTheta []float64
			var err error
			if mode == ModeNLE {
				_, _, dTheta, err = m.LogProbGrad(obs, theta)
			} else {
				_, dTheta, _, err = m.LogProbGrad(theta, obs)
			}
			if err != nil {
				return make([]float64, dim)
			}
			floats.Add(g, dTheta)
		}
		return g
	}

	return &PosteriorTarget{dim: dim, logProb: logProb, grad: grad}, nil
}
