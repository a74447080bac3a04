// Package compress trains neural compressors that map high-dimensional data
// vectors to low-dimensional summaries, typically parameter estimates, before
// density estimation.
package compress

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gosbi/gosbi/ad"
	"github.com/gosbi/gosbi/nn"
	"github.com/gosbi/gosbi/rng"
	"github.com/gosbi/gosbi/train"
)

// FitNN trains net in place to predict the rows of y from the rows of x by
// mean squared error. It runs on train.Fit, so splitting, early stopping,
// best-parameter restoration and logging behave exactly as in
// density-estimator training. It returns the per-epoch validation losses.
func FitNN(key rng.Key, net *nn.MLP, x, y *mat.Dense, newOpt func() train.Optimizer, cfg train.Config) ([]float64, error) {
	if net == nil {
		return nil, errors.New("compress: nil network")
	}
	if newOpt == nil {
		return nil, errors.New("compress: nil optimizer factory")
	}
	if x == nil || y == nil {
		return nil, errors.New("compress: nil training data")
	}
	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}

	n, inDim := x.Dims()
	ny, outDim := y.Dims()
	if n != ny {
		return nil, errors.Errorf("compress: %d data rows but %d target rows", n, ny)
	}
	if inDim != net.InDim() || outDim != net.OutDim() {
		return nil, errors.Errorf("compress: data shape (%d, %d) does not match network (%d, %d)",
			inDim, outDim, net.InDim(), net.OutDim())
	}

	trainIdx, validIdx, err := train.SplitIndices(key.Fold(0), n, cfg.ValidFraction)
	if err != nil {
		return nil, err
	}

	stats, err := train.Fit(key.Fold(1), net.Params(), trainIdx, validIdx, newOpt(), cfg,
		func(idx []int) (*ad.Value, error) { return batchMSE(net, x, y, idx), nil },
		func(idx []int) (float64, error) { return batchMSE(net, x, y, idx).Scalar(), nil })
	if err != nil {
		return nil, err
	}
	return stats.ValidLosses, nil
}

// batchMSE builds the mean squared error over the indexed rows.
func batchMSE(net *nn.MLP, x, y *mat.Dense, idx []int) *ad.Value {
	var total *ad.Value
	for _, i := range idx {
		diff := ad.Sub(net.Apply(ad.Vector(x.RawRowView(i)...)), ad.Vector(y.RawRowView(i)...))
		se := ad.Dot(diff, diff)
		if total == nil {
			total = se
		} else {
			total = ad.Add(total, se)
		}
	}
	return ad.Scale(total, 1/float64(len(idx)*net.OutDim()))
}

// Summaries maps every row of x through the compressor.
func Summaries(net *nn.MLP, x *mat.Dense) (*mat.Dense, error) {
	if net == nil {
		return nil, errors.New("compress: nil network")
	}
	n, inDim := x.Dims()
	if inDim != net.InDim() {
		return nil, errors.Errorf("compress: data dimension %d, network wants %d", inDim, net.InDim())
	}
	out := mat.NewDense(n, net.OutDim(), nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, net.Apply(ad.Vector(x.RawRowView(i)...)).Data())
	}
	return out, nil
}
