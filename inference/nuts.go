package inference

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gosbi/gosbi/dist"
	"github.com/gosbi/gosbi/rng"
)

// The sampler follows Hoffman & Gelman's NUTS with multinomial-free slice
// sampling (their algorithm 6), dual-averaging step-size adaptation during
// warmup, and a diagonal mass matrix estimated from the first half of the
// warmup draws.
const (
	defaultSamples      = 1000
	defaultChains       = 1
	defaultWarmup       = 500
	defaultMaxTreeDepth = 10

	// Trajectories whose energy error exceeds this are divergent.
	divergenceThreshold = 1000

	targetAcceptance = 0.8
	initRetries      = 100
)

type options struct {
	samples, chains, warmup, maxTreeDepth int
}

// Option adjusts sampler settings.
type Option func(*options)

// WithSamples sets the number of post-warmup draws per chain.
func WithSamples(n int) Option { return func(o *options) { o.samples = n } }

// WithChains sets the number of independent chains, run in parallel.
func WithChains(n int) Option { return func(o *options) { o.chains = n } }

// WithWarmup sets the number of adaptation iterations per chain.
func WithWarmup(n int) Option { return func(o *options) { o.warmup = n } }

// WithMaxTreeDepth caps trajectory doubling.
func WithMaxTreeDepth(n int) Option { return func(o *options) { o.maxTreeDepth = n } }

// Chain holds one chain's draws in order.
type Chain struct {
	// Samples has one row per draw.
	Samples *mat.Dense
	// LogProbs holds the target log-density of each draw.
	LogProbs []float64
	// Divergences counts divergent trajectories after warmup.
	Divergences int
	// StepSize is the adapted leapfrog step.
	StepSize float64
}

// Result holds all chains of one run.
type Result struct {
	Chains []Chain
}

// First returns the first chain.
func (r *Result) First() *Chain { return &r.Chains[0] }

// Sample draws from the target. The prior supplies chain initializations;
// initial points are redrawn until the target is finite there.
func Sample(key rng.Key, target Target, prior dist.Prior, opts ...Option) (*Result, error) {
	o := options{
		samples:      defaultSamples,
		chains:       defaultChains,
		warmup:       defaultWarmup,
		maxTreeDepth: defaultMaxTreeDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if target == nil {
		return nil, errors.New("inference: nil target")
	}
	if prior == nil {
		return nil, errors.New("inference: nil prior")
	}
	if prior.Dim() != target.Dim() {
		return nil, errors.Errorf("inference: prior dimension %d, target dimension %d", prior.Dim(), target.Dim())
	}
	if o.samples < 1 || o.chains < 1 || o.warmup < 1 || o.maxTreeDepth < 1 {
		return nil, errors.Errorf("inference: invalid settings samples=%d chains=%d warmup=%d depth=%d",
			o.samples, o.chains, o.warmup, o.maxTreeDepth)
	}

	chains := make([]Chain, o.chains)
	keys := key.Split(o.chains)
	var g errgroup.Group
	for i := range chains {
		i := i
		g.Go(func() error {
			ch, err := runChain(keys[i], target, prior, o)
			if err != nil {
				return errors.Wrapf(err, "inference: chain %d", i)
			}
			chains[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Result{Chains: chains}, nil
}

func runChain(key rng.Key, target Target, prior dist.Prior, o options) (Chain, error) {
	c := &chainSampler{
		target:   target,
		dim:      target.Dim(),
		invMass:  ones(target.Dim()),
		rnd:      key.Fold(0).Rand(),
		maxDepth: o.maxTreeDepth,
	}

	theta, logp, err := initialPoint(key.Fold(1), target, prior)
	if err != nil {
		return Chain{}, err
	}
	grad := gradient(target, theta)

	// Warmup: adapt the step with unit mass, estimate the mass from the
	// first half of the draws, then re-adapt the step under the new mass.
	eps := c.findReasonableStepSize(theta, logp, grad)
	da := newDualAveraging(eps)
	half := o.warmup / 2
	draws := make([][]float64, 0, half)
	for m := 0; m < half; m++ {
		var alpha float64
		var nAlpha int
		theta, logp, grad, alpha, nAlpha = c.transition(theta, logp, grad, eps)
		eps = da.update(alpha, nAlpha)
		draws = append(draws, append([]float64(nil), theta...))
	}
	if len(draws) >= 10 {
		c.invMass = diagVariance(draws)
		eps = c.findReasonableStepSize(theta, logp, grad)
		da = newDualAveraging(eps)
	}
	for m := 0; m < o.warmup-half; m++ {
		var alpha float64
		var nAlpha int
		theta, logp, grad, alpha, nAlpha = c.transition(theta, logp, grad, eps)
		eps = da.update(alpha, nAlpha)
	}
	eps = da.final()

	c.divergences = 0
	samples := mat.NewDense(o.samples, c.dim, nil)
	logps := make([]float64, o.samples)
	for m := 0; m < o.samples; m++ {
		theta, logp, grad, _, _ = c.transition(theta, logp, grad, eps)
		samples.SetRow(m, theta)
		logps[m] = logp
	}

	return Chain{
		Samples:     samples,
		LogProbs:    logps,
		Divergences: c.divergences,
		StepSize:    eps,
	}, nil
}

func initialPoint(key rng.Key, target Target, prior dist.Prior) ([]float64, float64, error) {
	for _, k := range key.Split(initRetries) {
		theta := prior.Sample(k)
		lp := target.LogProb(theta)
		if !math.IsInf(lp, 0) && !math.IsNaN(lp) {
			return theta, lp, nil
		}
	}
	return nil, 0, errors.Errorf("inference: no finite starting point in %d prior draws", initRetries)
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// diagVariance estimates the per-dimension sample variance, floored away
// from zero.
func diagVariance(draws [][]float64) []float64 {
	dim := len(draws[0])
	n := float64(len(draws))
	mean := make([]float64, dim)
	for _, d := range draws {
		for i, v := range d {
			mean[i] += v / n
		}
	}
	v := make([]float64, dim)
	for _, d := range draws {
		for i, x := range d {
			dev := x - mean[i]
			v[i] += dev * dev / (n - 1)
		}
	}
	for i := range v {
		if !(v[i] > 1e-10) {
			v[i] = 1e-10
		}
	}
	return v
}

//======================================================================================================================
// One chain
//======================================================================================================================

type chainSampler struct {
	target  Target
	dim     int
	invMass []float64
	rnd     *rand.Rand

	maxDepth    int
	divergences int
}

func (c *chainSampler) kinetic(r []float64) float64 {
	var k float64
	for i, v := range r {
		k += 0.5 * c.invMass[i] * v * v
	}
	return k
}

func (c *chainSampler) sampleMomentum() []float64 {
	r := make([]float64, c.dim)
	for i := range r {
		r[i] = c.rnd.NormFloat64() / math.Sqrt(c.invMass[i])
	}
	return r
}

// leapfrog advances position and momentum by one step of size eps.
func (c *chainSampler) leapfrog(theta, r, grad []float64, eps float64) (thetaN, rN []float64, logpN float64, gradN []float64) {
	rN = make([]float64, c.dim)
	copy(rN, r)
	floats.AddScaled(rN, 0.5*eps, grad)

	thetaN = make([]float64, c.dim)
	for i := range thetaN {
		thetaN[i] = theta[i] + eps*c.invMass[i]*rN[i]
	}
	logpN = c.target.LogProb(thetaN)
	gradN = gradient(c.target, thetaN)
	floats.AddScaled(rN, 0.5*eps, gradN)
	return thetaN, rN, logpN, gradN
}

// noUTurn reports whether the trajectory between the two ends is still
// expanding.
func (c *chainSampler) noUTurn(thetaMinus, thetaPlus, rMinus, rPlus []float64) bool {
	var dotMinus, dotPlus float64
	for i := range thetaPlus {
		diff := thetaPlus[i] - thetaMinus[i]
		dotMinus += diff * c.invMass[i] * rMinus[i]
		dotPlus += diff * c.invMass[i] * rPlus[i]
	}
	return dotMinus >= 0 && dotPlus >= 0
}

// tree is the state carried through recursive doubling.
type tree struct {
	thetaMinus, rMinus, gradMinus []float64
	thetaPlus, rPlus, gradPlus    []float64

	thetaProp []float64
	logpProp  float64
	gradProp  []float64

	n      int
	stop   bool
	alpha  float64
	nAlpha int
	div    int
}

func (c *chainSampler) buildTree(theta, r, grad []float64, logu float64, v, j int, eps, joint0 float64) *tree {
	if j == 0 {
		thetaN, rN, logpN, gradN := c.leapfrog(theta, r, grad, float64(v)*eps)
		joint := logpN - c.kinetic(rN)

		t := &tree{
			thetaMinus: thetaN, rMinus: rN, gradMinus: gradN,
			thetaPlus: thetaN, rPlus: rN, gradPlus: gradN,
			thetaProp: thetaN, logpProp: logpN, gradProp: gradN,
			nAlpha: 1,
		}
		if math.IsNaN(joint) || math.IsInf(joint, 0) {
			t.stop = true
			t.div = 1
			return t
		}
		if logu <= joint {
			t.n = 1
		}
		if logu-divergenceThreshold > joint {
			t.stop = true
			t.div = 1
		}
		t.alpha = math.Min(1, math.Exp(joint-joint0))
		return t
	}

	t := c.buildTree(theta, r, grad, logu, v, j-1, eps, joint0)
	if t.stop {
		return t
	}
	var t2 *tree
	if v < 0 {
		t2 = c.buildTree(t.thetaMinus, t.rMinus, t.gradMinus, logu, v, j-1, eps, joint0)
		t.thetaMinus, t.rMinus, t.gradMinus = t2.thetaMinus, t2.rMinus, t2.gradMinus
	} else {
		t2 = c.buildTree(t.thetaPlus, t.rPlus, t.gradPlus, logu, v, j-1, eps, joint0)
		t.thetaPlus, t.rPlus, t.gradPlus = t2.thetaPlus, t2.rPlus, t2.gradPlus
	}
	if t2.n > 0 && c.rnd.Float64() < float64(t2.n)/float64(t.n+t2.n) {
		t.thetaProp, t.logpProp, t.gradProp = t2.thetaProp, t2.logpProp, t2.gradProp
	}
	t.n += t2.n
	t.alpha += t2.alpha
	t.nAlpha += t2.nAlpha
	t.div += t2.div
	t.stop = t2.stop || !c.noUTurn(t.thetaMinus, t.thetaPlus, t.rMinus, t.rPlus)
	return t
}

// transition runs one NUTS update from the current point.
func (c *chainSampler) transition(theta []float64, logp float64, grad []float64, eps float64) ([]float64, float64, []float64, float64, int) {
	r0 := c.sampleMomentum()
	joint0 := logp - c.kinetic(r0)
	logu := joint0 + math.Log(c.rnd.Float64())

	thetaMinus := append([]float64(nil), theta...)
	thetaPlus := append([]float64(nil), theta...)
	rMinus := append([]float64(nil), r0...)
	rPlus := append([]float64(nil), r0...)
	gradMinus := append([]float64(nil), grad...)
	gradPlus := append([]float64(nil), grad...)

	thetaProp, logpProp, gradProp := theta, logp, grad
	n := 1
	var alpha float64
	var nAlpha int

	for j := 0; j < c.maxDepth; j++ {
		v := 1
		if c.rnd.Float64() < 0.5 {
			v = -1
		}
		var t *tree
		if v < 0 {
			t = c.buildTree(thetaMinus, rMinus, gradMinus, logu, v, j, eps, joint0)
			thetaMinus, rMinus, gradMinus = t.thetaMinus, t.rMinus, t.gradMinus
		} else {
			t = c.buildTree(thetaPlus, rPlus, gradPlus, logu, v, j, eps, joint0)
			thetaPlus, rPlus, gradPlus = t.thetaPlus, t.rPlus, t.gradPlus
		}
		alpha += t.alpha
		nAlpha += t.nAlpha
		c.divergences += t.div

		if !t.stop && t.n > 0 && c.rnd.Float64() < math.Min(1, float64(t.n)/float64(n)) {
			thetaProp, logpProp, gradProp = t.thetaProp, t.logpProp, t.gradProp
		}
		n += t.n
		if t.stop || !c.noUTurn(thetaMinus, thetaPlus, rMinus, rPlus) {
			break
		}
	}
	return thetaProp, logpProp, gradProp, alpha, nAlpha
}

// findReasonableStepSize doubles or halves the step until one leapfrog step
// crosses 50% acceptance.
func (c *chainSampler) findReasonableStepSize(theta []float64, logp float64, grad []float64) float64 {
	eps := 1.0
	r := c.sampleMomentum()
	joint := logp - c.kinetic(r)

	ratio := c.stepRatio(theta, r, grad, joint, eps)
	a := -1.0
	if ratio > 0.5 {
		a = 1.0
	}
	for i := 0; i < 64; i++ {
		if math.Pow(ratio, a) <= math.Pow(2, -a) {
			break
		}
		eps *= math.Pow(2, a)
		ratio = c.stepRatio(theta, r, grad, joint, eps)
	}
	return eps
}

func (c *chainSampler) stepRatio(theta, r, grad []float64, joint, eps float64) float64 {
	_, rN, logpN, _ := c.leapfrog(theta, r, grad, eps)
	ratio := math.Exp(logpN - c.kinetic(rN) - joint)
	if math.IsNaN(ratio) {
		return 0
	}
	return ratio
}

//======================================================================================================================
// Step-size adaptation
//======================================================================================================================

// dualAveraging follows Hoffman & Gelman's schedule toward the target
// acceptance rate.
type dualAveraging struct {
	mu, logEps, logEpsBar, hBar float64
	m                           int

	gamma, t0, kappa, delta float64
}

func newDualAveraging(eps float64) *dualAveraging {
	return &dualAveraging{
		mu:     math.Log(10 * eps),
		logEps: math.Log(eps),
		gamma:  0.05,
		t0:     10,
		kappa:  0.75,
		delta:  targetAcceptance,
	}
}

func (d *dualAveraging) update(alpha float64, nAlpha int) float64 {
	d.m++
	m := float64(d.m)
	accept := 0.0
	if nAlpha > 0 {
		accept = alpha / float64(nAlpha)
	}
	d.hBar = (1-1/(m+d.t0))*d.hBar + (d.delta-accept)/(m+d.t0)
	d.logEps = d.mu - math.Sqrt(m)/d.gamma*d.hBar
	w := math.Pow(m, -d.kappa)
	d.logEpsBar = w*d.logEps + (1-w)*d.logEpsBar
	return math.Exp(d.logEps)
}

func (d *dualAveraging) final() float64 {
	return math.Exp(d.logEpsBar)
}
