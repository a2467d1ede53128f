// Package eig implements expected-information-gain estimators and the
// gradient loops that optimize designs against them.
//
// Evaluation estimators (NMC, the variational posterior estimator) return a
// per-design-batch point estimate. Differentiable estimators are LossFn
// values returning a surrogate whose gradient with respect to store
// parameters estimates the EIG gradient, together with a point estimate for
// monitoring. Every estimator masks non-finite Monte Carlo terms and fails
// with a NumericalInstability error when no finite term survives.
package eig

import (
	"math"

	"golang.org/x/exp/rand"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// LossFn evaluates a design with a sample budget. It returns a scalar
// surrogate loss and a per-batch point estimate. With evaluation set the
// caller wants the estimate only; implementations skip gradient bookkeeping.
type LossFn func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (surrogate, estimate *tensor.Tensor, err error)

// NegLoss flips the sign of a loss, turning an EIG maximization into the
// minimization the optimizer runs.
func NegLoss(loss LossFn) LossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		surrogate, estimate, err := loss(design, numParticles, evaluation, rng)
		if err != nil {
			return nil, nil, err
		}
		return tensor.Neg(surrogate), tensor.Neg(estimate), nil
	}
}

// safeMean averages Monte Carlo terms of shape (samples, batch...) over the
// sample axis, masking NaN and infinite entries. It returns the scalar sum
// of the per-batch means and the per-batch means themselves. A batch
// position with no finite term at all is a hard error.
func safeMean(terms *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	count := tensor.SumAxis(tensor.Apply(terms, func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return 1
	}), 0)
	for _, c := range count.Data() {
		if c == 0 {
			return nil, nil, boederr.WithFields(
				boederr.New(boederr.NumericalInstability, "no finite Monte Carlo terms to aggregate"),
				boederr.Fields{"terms_shape": terms.Shape()})
		}
	}
	perBatch := tensor.Div(tensor.SumAxis(tensor.ZeroNonFinite(terms), 0), count)
	return tensor.Sum(perBatch), perBatch, nil
}

// lexpandValues prepends a sample dimension to every labelled value,
// building conditioning data for a resampling pass.
func lexpandValues(vals map[string]*tensor.Tensor, k int) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(vals))
	for l, v := range vals {
		out[l] = tensor.LExpand(v, k)
	}
	return out
}

// contrastNormalize folds the outer conditional log-likelihood in with the
// m contrastive ones and normalizes by log(m+1). The aggregation is a
// logsumexp over the m+1 competitors, so the order of the contrastive rows
// does not matter.
func contrastNormalize(conditionalLP, contrastLP *tensor.Tensor, m int) *tensor.Tensor {
	all := tensor.Concat(tensor.Unsqueeze(conditionalLP, 0), contrastLP)
	return tensor.AddScalar(tensor.LogSumExp(all), -math.Log(float64(m+1)))
}

// contrastiveMarginal draws an outer trace of n model samples, then m
// contrastive theta resamples against the same observations, and returns the
// outer trace together with the per-sample conditional and marginal
// log-likelihoods. The outer theta counts as one of the m+1 competitors, so
// the normalization is log(m+1).
func contrastiveMarginal(model infer.Model, design *tensor.Tensor, obsLabels []string, n, m int, rng *rand.Rand) (*infer.Trace, *tensor.Tensor, *tensor.Tensor, error) {
	expanded := tensor.LExpand(design, n)
	trace, err := infer.Run(model, expanded, rng)
	if err != nil {
		return nil, nil, nil, err
	}
	trace.ComputeLogProb()
	conditionalLP := trace.SumLogProb(obsLabels)

	yData := lexpandValues(trace.Values(obsLabels), m)
	reexpanded := tensor.LExpand(expanded, m)
	retrace, err := infer.Run(infer.Condition(model, yData), reexpanded, rng)
	if err != nil {
		return nil, nil, nil, err
	}
	retrace.ComputeLogProb()
	contrastLP := retrace.SumLogProb(obsLabels)

	marginalLP := contrastNormalize(conditionalLP, contrastLP, m)
	return trace, conditionalLP, marginalLP, nil
}

// NMC is the nested Monte Carlo EIG estimator: n outer draws of
// (theta, y), m contrastive theta redraws per y for the marginal
// likelihood. Returns the per-batch EIG estimate.
func NMC(model infer.Model, design *tensor.Tensor, obsLabels, targetLabels []string, n, m int, rng *rand.Rand) (*tensor.Tensor, error) {
	var estimate *tensor.Tensor
	var err error
	tensor.NoGrad(func() {
		var conditionalLP, marginalLP *tensor.Tensor
		_, conditionalLP, marginalLP, err = contrastiveMarginal(model, design, obsLabels, n, m, rng)
		if err != nil {
			return
		}
		_, estimate, err = safeMean(tensor.Sub(conditionalLP, marginalLP))
	})
	if err != nil {
		return nil, err
	}
	return estimate, nil
}

// MCPriorEntropy estimates the prior entropy of the targets by averaging
// their negative log density over prior draws. Returns the per-batch
// entropy estimate.
func MCPriorEntropy(model infer.Model, design *tensor.Tensor, targetLabels []string, numSamples int, rng *rand.Rand) (*tensor.Tensor, error) {
	var out *tensor.Tensor
	var err error
	tensor.NoGrad(func() {
		expanded := tensor.LExpand(design, numSamples)
		var trace *infer.Trace
		trace, err = infer.Run(model, expanded, rng)
		if err != nil {
			return
		}
		trace.ComputeLogProb()
		lp := trace.SumLogProb(targetLabels)
		out = tensor.Neg(tensor.MeanAxis(lp, 0))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
