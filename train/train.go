// Package train fits ensemble members by maximum likelihood with minibatch
// gradient descent, early stopping on a held-out validation split, and
// restoration of the best parameters seen. The underlying loop is exposed as
// Fit so other objectives (compressor regression, for one) share the same
// split, stopping and restoration behavior.
package train

import (
	"io"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gosbi/gosbi/ad"
	"github.com/gosbi/gosbi/nde"
	"github.com/gosbi/gosbi/rng"
)

// Config controls the training loop. Zero values select the defaults noted
// on each field.
type Config struct {
	// Epochs is the maximum number of passes over the training split.
	// Defaults to 100.
	Epochs int
	// Patience is the number of consecutive epochs without validation
	// improvement tolerated before stopping. Defaults to 10.
	Patience int
	// BatchSize is the minibatch size. Defaults to 32.
	BatchSize int
	// ValidFraction is the share of samples held out for validation.
	// Defaults to 0.1.
	ValidFraction float64
	// Logger receives per-epoch progress. Nil discards it.
	Logger *slog.Logger
}

// Normalized fills in defaults for zero fields and validates the result.
// Train and Fit call it themselves; it is exported so other loops built on
// Fit can read the effective values, the validation fraction in particular.
func (c Config) Normalized() (Config, error) {
	if c.Epochs == 0 {
		c.Epochs = 100
	}
	if c.Patience == 0 {
		c.Patience = 10
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.ValidFraction == 0 {
		c.ValidFraction = 0.1
	}
	if c.Epochs < 0 || c.Patience < 0 || c.BatchSize < 0 {
		return c, errors.Errorf("train: negative config value: epochs=%d patience=%d batch=%d", c.Epochs, c.Patience, c.BatchSize)
	}
	if c.ValidFraction <= 0 || c.ValidFraction >= 1 {
		return c, errors.Errorf("train: validation fraction %v outside (0, 1)", c.ValidFraction)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Stats records one member's training history.
type Stats struct {
	// RunID identifies this training run, for checkpoints and logs.
	RunID string
	// TrainLosses and ValidLosses hold per-epoch mean negative
	// log-likelihoods. Their lengths equal the number of epochs run.
	TrainLosses []float64
	ValidLosses []float64
	// BestValidLosses holds the running best validation loss per epoch.
	BestValidLosses []float64
	// BestLoss is the lowest validation loss and BestEpoch the epoch it
	// occurred, matching the parameters the member was restored to.
	BestLoss  float64
	BestEpoch int
}

// Train fits every ensemble member on simulated pairs. Rows of x hold data
// vectors and rows of y the parameter vectors that generated them; the
// ensemble's mode decides which side a member is conditioned on. newOpt is
// invoked once per member.
func Train(key rng.Key, ens *nde.Ensemble, x, y *mat.Dense, newOpt func() Optimizer, cfg Config) ([]*Stats, error) {
	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}
	if ens == nil {
		return nil, errors.New("train: nil ensemble")
	}
	if newOpt == nil {
		return nil, errors.New("train: nil optimizer factory")
	}
	if x == nil || y == nil {
		return nil, errors.New("train: nil training data")
	}
	n, dataDim := x.Dims()
	ny, paramDim := y.Dims()
	if n != ny {
		return nil, errors.Errorf("train: %d data rows but %d parameter rows", n, ny)
	}
	if dataDim != ens.DataDim() || paramDim != ens.ParamDim() {
		return nil, errors.Errorf("train: data shape (%d, %d) does not match ensemble (%d, %d)",
			dataDim, paramDim, ens.DataDim(), ens.ParamDim())
	}

	// One shared split so members are comparable; per-member shuffling of
	// the training split happens every epoch inside Fit.
	trainIdx, validIdx, err := SplitIndices(key.Fold(0), n, cfg.ValidFraction)
	if err != nil {
		return nil, err
	}

	mode := ens.Mode()
	members := ens.Members()
	stats := make([]*Stats, len(members))
	memberKeys := key.Fold(1).Split(len(members))
	for i, member := range members {
		memberCfg := cfg
		memberCfg.Logger = cfg.Logger.With("mode", mode.String(), "member", i)
		s, err := Fit(memberKeys[i], member.Params(), trainIdx, validIdx, newOpt(), memberCfg,
			func(idx []int) (*ad.Value, error) { return batchNLL(mode, member, x, y, idx) },
			func(idx []int) (float64, error) { return meanNLL(mode, member, x, y, idx) })
		if err != nil {
			return nil, errors.Wrapf(err, "train: member %d", i)
		}
		stats[i] = s
	}
	return stats, nil
}

// SplitIndices shuffles the row indices 0..n-1 and carves off the validation
// fraction (at least one row each side).
func SplitIndices(key rng.Key, n int, validFraction float64) (trainIdx, validIdx []int, err error) {
	if validFraction <= 0 || validFraction >= 1 {
		return nil, nil, errors.Errorf("train: validation fraction %v outside (0, 1)", validFraction)
	}
	nValid := int(validFraction * float64(n))
	if nValid < 1 {
		nValid = 1
	}
	nTrain := n - nValid
	if nTrain < 1 {
		return nil, nil, errors.Errorf("train: %d samples leave no training data after validation split", n)
	}
	perm := key.Rand().Perm(n)
	return perm[:nTrain], perm[nTrain:], nil
}

// Fit runs the minibatch loop over a fixed train/validation split: shuffled
// batches each epoch, per-epoch validation, patience-based early stopping and
// restoration of the best parameters seen. batchLoss must return the
// differentiable mean loss over the indexed rows; validLoss its scalar
// counterpart on the validation split. cfg is normalized first, so zero
// fields take their documented defaults.
func Fit(key rng.Key, params []*ad.Value, trainIdx, validIdx []int, opt Optimizer, cfg Config,
	batchLoss func(idx []int) (*ad.Value, error),
	validLoss func(idx []int) (float64, error)) (*Stats, error) {

	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}
	if opt == nil {
		return nil, errors.New("train: nil optimizer")
	}
	if batchLoss == nil || validLoss == nil {
		return nil, errors.New("train: nil loss function")
	}
	if len(trainIdx) == 0 || len(validIdx) == 0 {
		return nil, errors.New("train: empty train or validation split")
	}

	stats := &Stats{RunID: uuid.NewString(), BestLoss: math.Inf(1)}
	stop := newEarlyStop(cfg.Patience)
	best := snapshot(params)
	logger := cfg.Logger.With("run_id", stats.RunID)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		order := shuffled(key.Fold(uint64(epoch)), trainIdx)

		var epochLoss float64
		var batches int
		for at := 0; at < len(order); at += cfg.BatchSize {
			end := at + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			loss, err := batchLoss(order[at:end])
			if err != nil {
				return nil, err
			}
			grads := ad.Grad(loss, params...)
			flat := make([][]float64, len(grads))
			for i, g := range grads {
				flat[i] = g.Data()
			}
			opt.Step(params, flat)
			epochLoss += loss.Scalar()
			batches++
		}
		trainLoss := epochLoss / float64(batches)

		valid, err := validLoss(validIdx)
		if err != nil {
			return nil, err
		}
		stats.TrainLosses = append(stats.TrainLosses, trainLoss)
		stats.ValidLosses = append(stats.ValidLosses, valid)

		improved, halt := stop.observe(valid)
		if improved {
			stats.BestLoss = valid
			stats.BestEpoch = epoch
			best = snapshot(params)
		}
		stats.BestValidLosses = append(stats.BestValidLosses, stats.BestLoss)
		logger.Debug("epoch finished",
			"epoch", epoch, "train_loss", trainLoss, "valid_loss", valid, "best_loss", stats.BestLoss)
		if halt {
			logger.Info("early stopping", "epoch", epoch, "best_epoch", stats.BestEpoch, "best_loss", stats.BestLoss)
			break
		}
	}

	restore(params, best)
	return stats, nil
}

// batchNLL builds the mean negative log-likelihood over a batch as a
// differentiable node.
func batchNLL(mode nde.Mode, member nde.Flow, x, y *mat.Dense, idx []int) (*ad.Value, error) {
	var total *ad.Value
	for _, i := range idx {
		nll, err := sampleNLL(mode, member, x.RawRowView(i), y.RawRowView(i))
		if err != nil {
			return nil, err
		}
		if total == nil {
			total = nll
		} else {
			total = ad.Add(total, nll)
		}
	}
	return ad.Scale(total, 1/float64(len(idx))), nil
}

func sampleNLL(mode nde.Mode, member nde.Flow, xi, yi []float64) (*ad.Value, error) {
	if mode == nde.ModeNLE {
		return member.NegLogProb(xi, yi)
	}
	return member.NegLogProb(yi, xi)
}

func meanNLL(mode nde.Mode, member nde.Flow, x, y *mat.Dense, idx []int) (float64, error) {
	var total float64
	for _, i := range idx {
		var lp float64
		var err error
		if mode == nde.ModeNLE {
			lp, err = member.LogProb(x.RawRowView(i), y.RawRowView(i))
		} else {
			lp, err = member.LogProb(y.RawRowView(i), x.RawRowView(i))
		}
		if err != nil {
			return 0, err
		}
		total -= lp
	}
	return total / float64(len(idx)), nil
}

func shuffled(key rng.Key, idx []int) []int {
	out := append([]int(nil), idx...)
	key.Rand().Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func snapshot(params []*ad.Value) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.Data()...)
	}
	return out
}

func restore(params []*ad.Value, saved [][]float64) {
	for i, p := range params {
		copy(p.Data(), saved[i])
	}
}

//======================================================================================================================
// Early stopping
//======================================================================================================================

// earlyStop tracks consecutive validation epochs without improvement.
type earlyStop struct {
	patience int
	best     float64
	bad      int
}

func newEarlyStop(patience int) *earlyStop {
	return &earlyStop{patience: patience, best: math.Inf(1)}
}

// observe records one validation loss. improved reports a new best; halt
// reports that patience epochs in a row failed to improve on the best.
func (e *earlyStop) observe(loss float64) (improved, halt bool) {
	if loss < e.best {
		e.best = loss
		e.bad = 0
		return true, false
	}
	e.bad++
	return false, e.bad >= e.patience
}
