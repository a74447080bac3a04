// Package inference draws posterior samples from ensemble targets with the
// No-U-Turn sampler.
package inference

import (
	"gonum.org/v1/gonum/diff/fd"
)

// Target is a log-density over parameter vectors, known up to an additive
// constant. Implementations must be safe for concurrent calls; chains
// evaluate the target in parallel.
type Target interface {
	// Dim returns the parameter dimension.
	Dim() int
	// LogProb returns the log-density; -Inf outside the support.
	LogProb(theta []float64) float64
}

// GradTarget is a Target with an analytic gradient.
type GradTarget interface {
	Target
	// Grad returns d LogProb / d theta.
	Grad(theta []float64) []float64
}

// gradient uses the analytic gradient when the target has one and central
// finite differences otherwise.
func gradient(t Target, theta []float64) []float64 {
	if g, ok := t.(GradTarget); ok {
		return g.Grad(theta)
	}
	return fd.Gradient(nil, t.LogProb, theta, nil)
}
