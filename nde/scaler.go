package nde

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/gosbi/gosbi/ad"
)

// zero-variance columns are left unscaled
const sigmaFloor = 1e-12

// Scaler standardizes event and context vectors to zero mean and unit
// standard deviation, using statistics estimated from a training set. A nil
// Scaler is valid and acts as the identity.
type Scaler struct {
	eventMu, eventSigma     []float64
	contextMu, contextSigma []float64
	logDet                  float64
}

// NewScaler estimates per-column statistics from the rows of event and
// context. context may be nil for unconditional estimators. When useScaling
// is false the returned Scaler is the identity.
func NewScaler(event, context *mat.Dense, useScaling bool) (*Scaler, error) {
	if event == nil {
		return nil, errors.New("nde: scaler needs event samples")
	}
	rows, eventDim := event.Dims()
	if rows < 2 {
		return nil, errors.Errorf("nde: scaler needs at least 2 samples, got %d", rows)
	}
	contextDim := 0
	if context != nil {
		crows, cdim := context.Dims()
		if crows != rows {
			return nil, errors.Errorf("nde: scaler sample counts differ: %d events, %d contexts", rows, crows)
		}
		contextDim = cdim
	}

	s := &Scaler{
		eventMu:      make([]float64, eventDim),
		eventSigma:   make([]float64, eventDim),
		contextMu:    make([]float64, contextDim),
		contextSigma: make([]float64, contextDim),
	}
	for j := 0; j < eventDim; j++ {
		s.eventMu[j], s.eventSigma[j] = columnStats(event, rows, j, useScaling)
		s.logDet += math.Log(s.eventSigma[j])
	}
	for j := 0; j < contextDim; j++ {
		s.contextMu[j], s.contextSigma[j] = columnStats(context, rows, j, useScaling)
	}
	return s, nil
}

func columnStats(m *mat.Dense, rows, col int, useScaling bool) (mu, sigma float64) {
	if !useScaling {
		return 0, 1
	}
	c := make([]float64, rows)
	mat.Col(c, col, m)
	mu, sigma = stat.MeanStdDev(c, nil)
	if !(sigma > sigmaFloor) {
		sigma = 1
	}
	return mu, sigma
}

// ScaleEvent maps an event vector into standardized coordinates.
func (s *Scaler) ScaleEvent(x []float64) []float64 {
	if s == nil {
		return append([]float64(nil), x...)
	}
	return scale(x, s.eventMu, s.eventSigma)
}

// UnscaleEvent maps a standardized event vector back to data coordinates.
func (s *Scaler) UnscaleEvent(z []float64) []float64 {
	if s == nil {
		return append([]float64(nil), z...)
	}
	out := make([]float64, len(z))
	for i := range z {
		out[i] = z[i]*s.eventSigma[i] + s.eventMu[i]
	}
	return out
}

// ScaleContext maps a context vector into standardized coordinates.
func (s *Scaler) ScaleContext(y []float64) []float64 {
	if s == nil || len(s.contextMu) == 0 {
		return append([]float64(nil), y...)
	}
	return scale(y, s.contextMu, s.contextSigma)
}

// LogDetJacobian returns log |d z / d x| of the event standardization, the
// correction subtracted from standardized log-densities.
func (s *Scaler) LogDetJacobian() float64 {
	if s == nil {
		return 0
	}
	return s.logDet
}

func scale(x, mu, sigma []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = (x[i] - mu[i]) / sigma[i]
	}
	return out
}

// scaleEventNode standardizes a differentiable event vector.
func (s *Scaler) scaleEventNode(x *ad.Value) *ad.Value {
	if s == nil {
		return x
	}
	return scaleNode(x, s.eventMu, s.eventSigma)
}

// scaleContextNode standardizes a differentiable context vector.
func (s *Scaler) scaleContextNode(y *ad.Value) *ad.Value {
	if s == nil || len(s.contextMu) == 0 {
		return y
	}
	return scaleNode(y, s.contextMu, s.contextSigma)
}

func scaleNode(x *ad.Value, mu, sigma []float64) *ad.Value {
	inv := make([]float64, len(sigma))
	for i := range sigma {
		inv[i] = 1 / sigma[i]
	}
	return ad.Mul(ad.Sub(x, ad.Vector(mu...)), ad.Vector(inv...))
}
