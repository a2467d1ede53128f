package eig

import (
	"golang.org/x/exp/rand"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/guides"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/logging"
	"github.com/inferlab/boed/pkg/tensor"
)

func checkLoss(name string, t *tensor.Tensor, step int) error {
	if tensor.IsBad(t) {
		return boederr.WithFields(
			boederr.Newf(boederr.NumericalInstability, "%s is NaN or Inf", name),
			boederr.Fields{"step": step})
	}
	return nil
}

// LearnDesign wraps a model so the design it sees is a trainable store
// parameter expanded to the prototype's shape. The prototype passed to the
// wrapped model only fixes shapes; the actual design values come from the
// store and receive gradients.
func LearnDesign(store *infer.Store, name string, init *tensor.Tensor, m infer.Model) infer.Model {
	return func(ctx *infer.Context, prototype *tensor.Tensor) error {
		xi := store.Param(name, init, infer.Real)
		return m(ctx, tensor.Expand(xi, prototype.Shape()...))
	}
}

// OptimizeLoss runs fixed-step stochastic gradient descent on a surrogate
// loss whose parameters (guide parameters and, via LearnDesign, the design
// itself) live in the store. A NaN loss aborts immediately: a corrupted
// gradient would poison the learned design for every later step. The
// returned estimate comes from one final decoupled evaluation, optionally
// at a larger sample count and different design.
func OptimizeLoss(store *infer.Store, design *tensor.Tensor, loss LossFn, numSamples, numSteps int,
	opt *infer.Adam, sched *infer.ExpDecay, finalDesign *tensor.Tensor, finalNumSamples int, rng *rand.Rand) (*tensor.Tensor, error) {

	if finalDesign == nil {
		finalDesign = design
	}
	if finalNumSamples == 0 {
		finalNumSamples = numSamples
	}
	logger := logging.GetLogger()

	for step := 0; step < numSteps; step++ {
		store.ZeroGrad()
		surrogate, _, err := loss(design, numSamples, false, rng)
		if err != nil {
			return nil, err
		}
		if err := checkLoss("surrogate loss", surrogate, step); err != nil {
			return nil, err
		}
		tensor.Backward(surrogate)
		opt.Step(store.Leaves())
		if sched != nil {
			sched.Tick()
		}
		logger.Debug("step %d loss %.6g lr %.3g", step, surrogate.Item(), opt.LR())
	}

	_, estimate, err := loss(finalDesign, finalNumSamples, true, rng)
	if err != nil {
		return nil, err
	}
	return estimate, nil
}

// MarginalGradientEIG optimizes a design against the marginal saddle loss:
// each step fits the marginal guide by one gradient step, then (after the
// burn-in) ascends the design gradient. Both losses are NaN-guarded. The
// per-batch EIG estimate of a final high-sample evaluation is returned.
func MarginalGradientEIG(store *infer.Store, design *tensor.Tensor, loss SaddleLossFn, numSamples, numSteps, burnIn int,
	opt *infer.Adam, sched *infer.ExpDecay, finalDesign *tensor.Tensor, finalNumSamples int, rng *rand.Rand) (*tensor.Tensor, error) {

	if finalDesign == nil {
		finalDesign = design
	}
	if finalNumSamples == 0 {
		finalNumSamples = numSamples
	}
	logger := logging.GetLogger()

	for step := 0; step < numSteps; step++ {
		store.ZeroGrad()
		dLoss, qLoss, _, err := loss(design, numSamples, false, rng)
		if err != nil {
			return nil, err
		}
		if err := checkLoss("design loss", dLoss, step); err != nil {
			return nil, err
		}
		if err := checkLoss("guide loss", qLoss, step); err != nil {
			return nil, err
		}

		tensor.Backward(qLoss)
		opt.Step(store.Leaves())

		if step > burnIn {
			store.ZeroGrad()
			tensor.Backward(tensor.Neg(dLoss))
			opt.Step(store.Leaves())
		}
		if sched != nil {
			sched.Tick()
		}
		logger.Debug("step %d d_loss %.6g q_loss %.6g", step, dLoss.Item(), qLoss.Item())
	}

	_, _, estimate, err := loss(finalDesign, finalNumSamples, true, rng)
	if err != nil {
		return nil, err
	}
	return estimate, nil
}

// ELBOLearn fits guide parameters to the posterior of a model conditioned
// on observed data, by fixed-step stochastic gradient ascent on the ELBO.
// The guide is a Model-shaped program sampling the target sites from store
// parameters; after the loop the fitted values are read back from the
// store.
func ELBOLearn(store *infer.Store, model infer.Model, design *tensor.Tensor, targetLabels []string,
	data map[string]*tensor.Tensor, numSamples, numSteps int, guide infer.Model, opt *infer.Adam, rng *rand.Rand) error {

	conditioned := infer.Condition(model, data)
	for step := 0; step < numSteps; step++ {
		store.ZeroGrad()
		expanded := tensor.LExpand(design, numSamples)

		guideTrace, err := infer.Run(guide, expanded, rng)
		if err != nil {
			return err
		}
		guideTrace.ComputeLogProb()
		theta := guideTrace.Values(targetLabels)

		modelTrace, err := infer.Run(infer.Condition(conditioned, theta), expanded, rng)
		if err != nil {
			return err
		}
		modelTrace.ComputeLogProb()

		elboTerms := tensor.Sub(modelTrace.SumLogProb(modelTrace.Names()), guideTrace.SumLogProb(targetLabels))
		agg, _, err := safeMean(elboTerms)
		if err != nil {
			return err
		}
		lossVal := tensor.Neg(agg)
		if err := checkLoss("elbo loss", lossVal, step); err != nil {
			return err
		}
		tensor.Backward(lossVal)
		opt.Step(store.Leaves())
	}
	return nil
}

// VariationalPosteriorEIG trains a posterior guide against the posterior
// loss and converts the resulting average posterior entropy into an EIG
// using a caller-supplied prior entropy (analytic for linear models,
// MCPriorEntropy otherwise).
func VariationalPosteriorEIG(hPrior *tensor.Tensor, store *infer.Store, model infer.Model, guide guides.PosteriorGuide,
	design *tensor.Tensor, obsLabels, targetLabels []string, numSamples, numSteps int,
	opt *infer.Adam, sched *infer.ExpDecay, finalNumSamples int, rng *rand.Rand) (*tensor.Tensor, error) {

	loss := PosteriorLoss(model, guide, obsLabels, targetLabels, 0)
	ape, err := OptimizeLoss(store, design, loss, numSamples, numSteps, opt, sched, nil, finalNumSamples, rng)
	if err != nil {
		return nil, err
	}
	return tensor.Sub(hPrior, ape), nil
}
