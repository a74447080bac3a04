// Package gosbi implements simulation-based inference with ensembles of
// neural density estimators.
//
// The library trains normalizing flows to approximate either the likelihood
// p(data|params) or the posterior p(params|data) from simulated pairs, then
// draws posterior samples with a gradient-based MCMC sampler.
//
// # Architecture
//
// The package is organized into several sub-packages:
//
//   - rng: explicit single-use random keys with deterministic splitting
//   - ad: reverse-mode automatic differentiation with composable gradients
//   - nn: small feed-forward networks built on ad values
//   - dist: prior distributions consumed by ensembles and the sampler
//   - nde: the density estimators (MAF, CNF), scaling, and ensembling
//   - train: the per-member training loop, optimizers, and checkpoints
//   - compress: neural compression of raw data to summary statistics
//   - inference: the No-U-Turn sampler
//
// # Usage
//
// A typical likelihood-estimation run builds an ensemble, trains it against
// simulated (data, parameter) pairs, and samples the posterior at an
// observation:
//
//	scaler, err := nde.NewScaler(xs, ys, true)
//	maf, err := nde.NewMAF(keys[0], nde.MAFConfig{
//		EventDim: 2, ContextDim: 2, WidthSize: 32, NNDepth: 2, NLayers: 5,
//		Scaler: scaler,
//	})
//	cnf, err := nde.NewCNF(keys[1], nde.CNFConfig{
//		EventDim: 2, ContextDim: 2, WidthSize: 8, Solver: nde.Heun{},
//		DT: 0.1, T1: 1.0, Scaler: scaler,
//	})
//	ensemble, err := nde.NewEnsemble(nde.ModeNLE, maf, cnf)
//
//	stats, err := train.Train(trainKey, ensemble, xs, ys, train.AdamW(1e-3, 1e-4), train.Config{
//		Epochs: 1000, Patience: 20, BatchSize: 50,
//	})
//
//	target, err := ensemble.LogProbFn(observation, prior)
//	result, err := inference.Sample(sampleKey, target, prior, inference.WithSamples(1000))
//
// Every stochastic operation consumes an explicit rng.Key; keys are split
// deterministically and must not be reused.
package gosbi
