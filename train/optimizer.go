package train

import (
	"math"

	"github.com/gosbi/gosbi/ad"
)

// Optimizer updates parameters in place from per-parameter gradients. A new
// Optimizer is created for every ensemble member so moment state is never
// shared across members.
type Optimizer interface {
	Step(params []*ad.Value, grads [][]float64)
}

// AdamW returns a factory for Adam with decoupled weight decay.
func AdamW(learningRate, weightDecay float64) func() Optimizer {
	return func() Optimizer {
		return &adamW{
			lr:    learningRate,
			wd:    weightDecay,
			beta1: 0.9,
			beta2: 0.999,
			eps:   1e-8,
		}
	}
}

type adamW struct {
	lr, wd       float64
	beta1, beta2 float64
	eps          float64

	t    int
	m, v [][]float64
}

func (o *adamW) Step(params []*ad.Value, grads [][]float64) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, p.Len())
			o.v[i] = make([]float64, p.Len())
		}
	}
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i, p := range params {
		d := p.Data()
		g := grads[i]
		for j := range d {
			o.m[i][j] = o.beta1*o.m[i][j] + (1-o.beta1)*g[j]
			o.v[i][j] = o.beta2*o.v[i][j] + (1-o.beta2)*g[j]*g[j]
			mHat := o.m[i][j] / bc1
			vHat := o.v[i][j] / bc2
			d[j] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.wd*d[j])
		}
	}
}
