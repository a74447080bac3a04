package nde

import "github.com/gosbi/gosbi/ad"

// VectorField evaluates the time derivative of a state vector at time t. The
// returned value must have the state's shape and stay differentiable.
type VectorField func(t float64, state *ad.Value) *ad.Value

// Solver advances an ODE state by one fixed step. Steps are built from ad
// operations so that integration remains differentiable end to end.
type Solver interface {
	Step(f VectorField, t, dt float64, state *ad.Value) *ad.Value
}

// Euler is the first-order explicit method.
type Euler struct{}

func (Euler) Step(f VectorField, t, dt float64, state *ad.Value) *ad.Value {
	return ad.Add(state, ad.Scale(f(t, state), dt))
}

// Heun is the two-stage second-order explicit method.
type Heun struct{}

func (Heun) Step(f VectorField, t, dt float64, state *ad.Value) *ad.Value {
	k1 := f(t, state)
	k2 := f(t+dt, ad.Add(state, ad.Scale(k1, dt)))
	return ad.Add(state, ad.Scale(ad.Add(k1, k2), dt/2))
}
