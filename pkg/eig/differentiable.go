package eig

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"github.com/inferlab/boed/pkg/guides"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/logging"
	"github.com/inferlab/boed/pkg/tensor"
)

// runMaybeTracked executes fn, with tape construction disabled when the
// caller only wants a point estimate.
func runMaybeTracked(evaluation bool, fn func() error) error {
	if !evaluation {
		return fn()
	}
	var err error
	tensor.NoGrad(func() { err = fn() })
	return err
}

// scoreCorrected applies the score-function decomposition
//
//	surrogate = pathwise + (stopgrad(term) - baseline) * score
//
// which keeps the design gradient unbiased when observation sampling is
// not reparametrizable. A nil score (all observation sites reparametrized)
// leaves the pathwise terms alone.
func scoreCorrected(terms, score *tensor.Tensor, controlVariate float64) *tensor.Tensor {
	if score == nil {
		return terms
	}
	return tensor.Add(terms, tensor.Mul(tensor.AddScalar(terms.Detach(), -controlVariate), score))
}

// PosteriorLoss builds the differentiable average-posterior-entropy loss:
// sample (theta, y) from the model, evaluate the guide's log-density of
// theta given y, and score-correct for the observation sampling. Minimizing
// it maximizes the posterior-based EIG bound; the reported estimate is the
// per-batch APE.
func PosteriorLoss(model infer.Model, guide guides.PosteriorGuide, obsLabels, targetLabels []string, controlVariate float64) LossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		var surrogate, estimate *tensor.Tensor
		err := runMaybeTracked(evaluation, func() error {
			expanded := tensor.LExpand(design, numParticles)
			trace, err := infer.Run(model, expanded, rng)
			if err != nil {
				return err
			}
			y := trace.Values(obsLabels)
			theta := trace.Values(targetLabels)

			condTrace, err := infer.Capture(rng, theta, func(ctx *infer.Context) error {
				return guide.Run(ctx, y, expanded, obsLabels, targetLabels)
			})
			if err != nil {
				return err
			}
			condTrace.ComputeLogProb()
			terms := tensor.Neg(condTrace.SumLogProb(targetLabels))
			if _, estimate, err = safeMean(terms); err != nil {
				return err
			}

			trace.ComputeScoreParts()
			score := trace.SumScoreFunctions(obsLabels)
			surrogate, _, err = safeMean(scoreCorrected(terms, score, controlVariate))
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return surrogate, estimate, nil
	}
}

// NCELoss builds the differentiable contrastive EIG estimator: the outer
// theta joins m prior redraws as one of m+1 competitors for the marginal
// likelihood, normalized by log(m+1). The estimate is a lower bound on the
// EIG, tight as m grows.
func NCELoss(model infer.Model, obsLabels, targetLabels []string, m int, controlVariate float64) LossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		var surrogate, estimate *tensor.Tensor
		err := runMaybeTracked(evaluation, func() error {
			trace, conditionalLP, marginalLP, err := contrastiveMarginal(model, design, obsLabels, numParticles, m, rng)
			if err != nil {
				return err
			}
			terms := tensor.Sub(conditionalLP, marginalLP)
			if _, estimate, err = safeMean(terms); err != nil {
				return err
			}

			trace.ComputeScoreParts()
			score := trace.SumScoreFunctions(obsLabels)
			surrogate, _, err = safeMean(scoreCorrected(terms, score, controlVariate))
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return surrogate, estimate, nil
	}
}

// ProposalNCELoss is the importance-weighted contrastive variant:
// observations come from an auxiliary proposal model instead of the prior
// predictive, and each term is reweighted by
// exp(log p(y|theta) - log q_proposal(y)). The weighting scheme is
// experimental; its diagnostics go to the debug log so a degenerating
// proposal is visible without polluting the estimator's return values.
func ProposalNCELoss(model, proposal infer.Model, obsLabels, targetLabels []string, m int, controlVariate float64) LossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		var surrogate, estimate *tensor.Tensor
		err := runMaybeTracked(evaluation, func() error {
			expanded := tensor.LExpand(design, numParticles)
			ptrace, err := infer.Run(proposal, expanded, rng)
			if err != nil {
				return err
			}
			ptrace.ComputeLogProb()
			proposalLP := ptrace.SumLogProb(obsLabels)

			yData := lexpandValues(ptrace.Values(obsLabels), m+1)
			reexpanded := tensor.LExpand(expanded, m+1)
			retrace, err := infer.Run(infer.Condition(model, yData), reexpanded, rng)
			if err != nil {
				return err
			}
			retrace.ComputeLogProb()
			allLP := retrace.SumLogProb(obsLabels)

			marginalLP := tensor.AddScalar(tensor.LogSumExp(allLP), -math.Log(float64(m+1)))
			conditionalLP := tensor.Reshape(tensor.NarrowLead(allLP, 0, 1), allLP.Shape()[1:]...)
			weights := tensor.Exp(tensor.Sub(conditionalLP, proposalLP))
			terms := tensor.Sub(conditionalLP, marginalLP)

			logging.GetLogger().DebugWith(map[string]interface{}{
				"mean_weight":   stat.Mean(weights.Data(), nil),
				"mean_marginal": stat.Mean(marginalLP.Data(), nil),
				"mean_cond":     stat.Mean(conditionalLP.Data(), nil),
			}, "proposal contrastive diagnostics")

			if _, estimate, err = safeMean(tensor.Mul(weights, terms)); err != nil {
				return err
			}
			gradTerms := tensor.Mul(tensor.AddScalar(terms.Detach(), -controlVariate), weights)
			surrogate, _, err = safeMean(gradTerms)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return surrogate, estimate, nil
	}
}

// ACELoss builds the adaptive contrastive estimator: the m contrastive
// thetas come from the guide instead of the prior, so the guide sharpens
// the bound while the design is optimized. The outer sample contributes
// the cross term with weight one among m+1 competitors; the surrogate
// carries both the observation score correction (design gradient) and the
// guide's own log-density of the true theta (guide gradient).
func ACELoss(model infer.Model, guide guides.PosteriorGuide, m int, obsLabels, targetLabels []string, controlVariate float64) LossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		var surrogate, estimate *tensor.Tensor
		err := runMaybeTracked(evaluation, func() error {
			expanded := tensor.LExpand(design, numParticles)
			trace, err := infer.Run(model, expanded, rng)
			if err != nil {
				return err
			}
			y := trace.Values(obsLabels)
			yExp := lexpandValues(y, m)
			theta := trace.Values(targetLabels)

			trace.ComputeLogProb()
			obsLP := trace.SumLogProb(obsLabels)
			cross := tensor.Add(trace.SumLogProb(targetLabels), obsLP)

			reguideTrace, err := infer.Capture(rng, theta, func(ctx *infer.Context) error {
				return guide.Run(ctx, y, expanded, obsLabels, targetLabels)
			})
			if err != nil {
				return err
			}
			reguideTrace.ComputeLogProb()
			qTheta := reguideTrace.SumLogProb(targetLabels)
			cross = tensor.Sub(cross, qTheta)

			// m fresh guide draws per observation; the expanded y gives the
			// proposals the contrastive sample dimension.
			reexpanded := tensor.LExpand(expanded, m)
			guideTrace, err := infer.Capture(rng, nil, func(ctx *infer.Context) error {
				return guide.Run(ctx, yExp, reexpanded, obsLabels, targetLabels)
			})
			if err != nil {
				return err
			}
			guideTrace.ComputeLogProb()

			condData := guideTrace.Values(targetLabels)
			for l, v := range yExp {
				condData[l] = v
			}
			modelTrace, err := infer.Run(infer.Condition(model, condData), reexpanded, rng)
			if err != nil {
				return err
			}
			modelTrace.ComputeLogProb()

			proposalTerms := tensor.Sub(modelTrace.SumLogProb(targetLabels), guideTrace.SumLogProb(targetLabels))
			proposalTerms = tensor.Add(proposalTerms, modelTrace.SumLogProb(obsLabels))

			all := tensor.Concat(tensor.Unsqueeze(cross, 0), proposalTerms)
			terms := tensor.AddScalar(tensor.Neg(tensor.LogSumExp(all)), math.Log(float64(m+1)))
			terms = tensor.Add(terms, obsLP)
			if _, estimate, err = safeMean(terms); err != nil {
				return err
			}

			trace.ComputeScoreParts()
			score := trace.SumScoreFunctions(obsLabels)
			surTerms := tensor.Add(scoreCorrected(terms, score, controlVariate), qTheta)
			surrogate, _, err = safeMean(surTerms)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return surrogate, estimate, nil
	}
}

// SaddleLossFn is the two-sided loss of the marginal gradient method: a
// design loss, a guide loss, and the per-batch EIG estimate.
type SaddleLossFn func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (dLoss, qLoss, estimate *tensor.Tensor, err error)

// SaddleMarginalLoss builds the marginal-likelihood saddle objective: the
// guide loss fits q(y|d) to the prior predictive by maximum likelihood, and
// the design loss carries the mutual-information term
// log p(y|theta) - log q(y|d) through the observation score function only.
// The terms enter the design loss detached, so the guide parameters inside
// log q are unreachable from the design step.
func SaddleMarginalLoss(model infer.Model, guide guides.MarginalGuide, obsLabels, targetLabels []string, controlVariate float64) SaddleLossFn {
	return func(design *tensor.Tensor, numParticles int, evaluation bool, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
		var dLoss, qLoss, estimate *tensor.Tensor
		err := runMaybeTracked(evaluation, func() error {
			expanded := tensor.LExpand(design, numParticles)
			trace, err := infer.Run(model, expanded, rng)
			if err != nil {
				return err
			}
			y := trace.Values(obsLabels)

			condTrace, err := infer.Capture(rng, y, func(ctx *infer.Context) error {
				return guide.Run(ctx, expanded, obsLabels, targetLabels)
			})
			if err != nil {
				return err
			}
			condTrace.ComputeLogProb()
			terms := tensor.Neg(condTrace.SumLogProb(obsLabels))

			trace.ComputeLogProb()
			terms = tensor.Add(terms, trace.SumLogProb(obsLabels).Detach())
			if qLoss, estimate, err = safeMean(terms); err != nil {
				return err
			}

			trace.ComputeScoreParts()
			score := trace.SumScoreFunctions(obsLabels)
			dTerms := terms.Detach()
			if score != nil {
				dTerms = tensor.Mul(tensor.AddScalar(dTerms, -controlVariate), score)
			}
			dLoss, _, err = safeMean(dTerms)
			return err
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return dLoss, qLoss, estimate, nil
	}
}
