// Package boed implements Bayesian optimal experimental design: estimators
// of the expected information gain (EIG) of a candidate experiment design,
// and gradient loops that optimize designs against them.
//
// The library carries its own compact probabilistic substrate, so a model is
// just a Go function sampling named sites from differentiable distributions.
// It focuses on making it easy to:
//   - Express generative models as traced programs over batched designs
//   - Estimate EIG by nested Monte Carlo, contrastive bounds, or
//     variational posteriors
//   - Differentiate the estimators through the design and run fixed-budget
//     stochastic gradient optimization
//   - Update posteriors between experiment rounds by stochastic ELBO ascent
//
// Key Components:
//
//   - tensor: batched float64 tensors with a reverse-mode tape, including
//     the nested second-order differentiation the Laplace guide needs.
//
//   - dists: differentiable distributions (Normal, MultivariateNormal,
//     Gamma, Bernoulli, Delta, Laplace, Exponential, CensoredSigmoidNormal)
//     with reparametrized sampling where the family permits it and
//     score-function parts where it does not.
//
//   - infer: the execution substrate: models, traced sampling contexts,
//     conditioning, the explicit parameter store, Adam and learning-rate
//     schedules.
//
//   - guides: amortized posterior families (linear-Gaussian, sigmoid and
//     logistic variants, normal-inverse-gamma, Laplace approximation) and
//     marginal/likelihood guides for the bound-based estimators.
//
//   - eig: the estimators: NMC, NCE/PCE, ACE, the variational posterior
//     estimator, the marginal saddle objective, and the OptimizeLoss /
//     MarginalGradientEIG / ELBOLearn loops.
//
//   - glm: conjugate linear, regression, logistic and sigmoid model
//     factories, with analytic posterior covariance and ground-truth EIG
//     for validation.
//
// The cmd/boed-rollout command runs iterated design-observe-update
// experiments and streams results to SQLite.
package boed
