// Package nn provides small feed-forward networks built on ad values.
//
// The networks here are deliberately modest: they parameterize vector fields
// of continuous flows, conditioners of autoregressive flows, and data
// compressors. All parameters are ad leaves so training code can take
// gradients with ad.Grad and update them in place.
package nn

import (
	"math"

	"github.com/gosbi/gosbi/ad"
	"github.com/gosbi/gosbi/rng"
	"github.com/pkg/errors"
)

// Activation maps a pre-activation vector to an activation vector.
type Activation func(*ad.Value) *ad.Value

// MLP is a fully connected network with Depth hidden layers of Width units.
// Depth == 0 degenerates to a single linear map.
type MLP struct {
	ws  []*ad.Value
	bs  []*ad.Value
	act Activation

	in, out, width, depth int
}

// NewMLP constructs a network mapping in-vectors to out-vectors. Hidden
// weights are initialized uniformly in ±1/√fan_in; the output layer starts at
// zero so a fresh network is the zero map. A nil activation defaults to tanh.
func NewMLP(key rng.Key, in, out, width, depth int, act Activation) (*MLP, error) {
	if in <= 0 || out <= 0 {
		return nil, errors.Errorf("nn: invalid MLP dimensions in=%d out=%d", in, out)
	}
	if depth < 0 {
		return nil, errors.Errorf("nn: negative MLP depth %d", depth)
	}
	if depth > 0 && width <= 0 {
		return nil, errors.Errorf("nn: MLP with %d hidden layers needs a positive width, got %d", depth, width)
	}
	if act == nil {
		act = ad.Tanh
	}

	m := &MLP{act: act, in: in, out: out, width: width, depth: depth}

	dims := layerDims(in, out, width, depth)
	keys := key.Split(len(dims))
	for i, d := range dims {
		last := i == len(dims)-1
		m.ws = append(m.ws, initWeight(keys[i], d[0], d[1], last))
		m.bs = append(m.bs, ad.Zeros(d[0], 1))
	}
	return m, nil
}

// layerDims returns (rows, cols) for each weight matrix.
func layerDims(in, out, width, depth int) [][2]int {
	if depth == 0 {
		return [][2]int{{out, in}}
	}
	dims := make([][2]int, 0, depth+1)
	dims = append(dims, [2]int{width, in})
	for i := 1; i < depth; i++ {
		dims = append(dims, [2]int{width, width})
	}
	return append(dims, [2]int{out, width})
}

func initWeight(key rng.Key, rows, cols int, zero bool) *ad.Value {
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

// Apply runs the network on a single input vector.
func (m *MLP) Apply(x *ad.Value) *ad.Value {
	h := x
	last := len(m.ws) - 1
	for i := 0; i < last; i++ {
		h = m.act(ad.Add(ad.MatVec(m.ws[i], h), m.bs[i]))
	}
	return ad.Add(ad.MatVec(m.ws[last], h), m.bs[last])
}

// Params returns the trainable parameters (weights then biases, layer by
// layer).
func (m *MLP) Params() []*ad.Value {
	params := make([]*ad.Value, 0, 2*len(m.ws))
	for i := range m.ws {
		params = append(params, m.ws[i], m.bs[i])
	}
	return params
}

// InDim returns the input dimension.
func (m *MLP) InDim() int { return m.in }

// OutDim returns the output dimension.
func (m *MLP) OutDim() int { return m.out }
