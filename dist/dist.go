// Package dist defines the prior-distribution contract consumed by ensembles
// and the sampler, plus the priors used throughout the test problems.
package dist

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gosbi/gosbi/rng"
)

// Prior is an external probability distribution over parameter vectors. The
// core only consumes this interface and never mutates the distribution.
type Prior interface {
	// Dim returns the parameter dimension.
	Dim() int
	// Sample draws one parameter vector using the key.
	Sample(key rng.Key) []float64
	// LogProb returns the log-density at theta; -Inf outside the support.
	LogProb(theta []float64) float64
}

// Differentiable is an optional extension for priors with a usable gradient
// of the log-density inside their support.
type Differentiable interface {
	Prior
	// GradLogProb returns d log p / d theta. Only meaningful where LogProb
	// is finite.
	GradLogProb(theta []float64) []float64
}

// BoxUniform is a product of independent uniform distributions, one per
// dimension.
type BoxUniform struct {
	lower, upper []float64
}

var _ Differentiable = (*BoxUniform)(nil)

// NewBoxUniform constructs a blockwise uniform prior on [lower_i, upper_i].
func NewBoxUniform(lower, upper []float64) (*BoxUniform, error) {
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, errors.Errorf("dist: bound lengths %d and %d are invalid", len(lower), len(upper))
	}
	for i := range lower {
		if !(lower[i] < upper[i]) {
			return nil, errors.Errorf("dist: empty interval [%v, %v] at dimension %d", lower[i], upper[i], i)
		}
	}
	b := &BoxUniform{
		lower: append([]float64(nil), lower...),
		upper: append([]float64(nil), upper...),
	}
	return b, nil
}

// Dim returns the parameter dimension.
func (b *BoxUniform) Dim() int { return len(b.lower) }

// Sample draws one parameter vector inside the box.
func (b *BoxUniform) Sample(key rng.Key) []float64 {
	src := key.Source()
	theta := make([]float64, len(b.lower))
	for i := range theta {
		theta[i] = distuv.Uniform{Min: b.lower[i], Max: b.upper[i], Src: src}.Rand()
	}
	return theta
}

// LogProb returns the log-density, -Inf outside the box.
func (b *BoxUniform) LogProb(theta []float64) float64 {
	if len(theta) != len(b.lower) {
		return math.Inf(-1)
	}
	var lp float64
	for i, x := range theta {
		lp += distuv.Uniform{Min: b.lower[i], Max: b.upper[i]}.LogProb(x)
	}
	return lp
}

// GradLogProb is zero everywhere inside the support.
func (b *BoxUniform) GradLogProb(theta []float64) []float64 {
	return make([]float64, len(b.lower))
}

// Lower returns the lower bounds.
func (b *BoxUniform) Lower() []float64 { return append([]float64(nil), b.lower...) }

// Upper returns the upper bounds.
func (b *BoxUniform) Upper() []float64 { return append([]float64(nil), b.upper...) }
