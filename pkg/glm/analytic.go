package glm

import (
	"gonum.org/v1/gonum/mat"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/tensor"
)

// log2PiE is log(2*pi*e), the per-dimension constant of Gaussian entropy.
const log2PiE = 2.837877066409345

// PriorCov returns the (diagonal) prior covariance over the full weight
// vector, in declared label order.
func (m *LinearModel) PriorCov() *mat.SymDense {
	p := m.TotalSize()
	cov := mat.NewSymDense(p, nil)
	i := 0
	for _, l := range m.Labels {
		for _, sd := range m.WSds[l] {
			cov.SetSym(i, i, sd*sd)
			i++
		}
	}
	return cov
}

// AnalyticPosteriorCov computes the posterior covariance of a linear-Gaussian
// model for one design matrix:
//
//	post = prior - prior Xᵀ (X prior Xᵀ + obsSD² I)⁻¹ X prior
func AnalyticPosteriorCov(priorCov *mat.SymDense, x *mat.Dense, obsSD float64) (*mat.SymDense, error) {
	n, p := x.Dims()

	var xc mat.Dense // n x p
	xc.Mul(x, priorCov)

	s := mat.NewSymDense(n, nil) // X prior Xᵀ + obsSD² I
	var xcxt mat.Dense
	xcxt.Mul(&xc, x.T())
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := xcxt.At(i, j)
			if i == j {
				v += obsSD * obsSD
			}
			s.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return nil, boederr.New(boederr.NumericalInstability, "predictive covariance not positive definite")
	}
	var k mat.Dense // (X prior Xᵀ + obsSD² I)⁻¹ X prior
	if err := chol.SolveTo(&k, &xc); err != nil {
		return nil, boederr.Wrap(err, boederr.NumericalInstability, "posterior covariance solve failed")
	}

	var corr mat.Dense // (X prior)ᵀ k
	corr.Mul(xc.T(), &k)

	post := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			post.SetSym(i, j, priorCov.At(i, j)-0.5*(corr.At(i, j)+corr.At(j, i)))
		}
	}
	return post, nil
}

func gaussianEntropy(cov *mat.SymDense) (float64, error) {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return 0, boederr.New(boederr.NumericalInstability, "covariance not positive definite")
	}
	d, _ := cov.Dims()
	return 0.5 * (float64(d)*log2PiE + chol.LogDet()), nil
}

func subCov(cov *mat.SymDense, idx []int) *mat.SymDense {
	sub := mat.NewSymDense(len(idx), nil)
	for i, a := range idx {
		for j := i; j < len(idx); j++ {
			sub.SetSym(i, j, cov.At(a, idx[j]))
		}
	}
	return sub
}

// PriorEntropy returns the Gaussian entropy of the prior marginal over the
// given target labels.
func (m *LinearModel) PriorEntropy(targetLabels []string) (float64, error) {
	return gaussianEntropy(subCov(m.PriorCov(), m.Indices(targetLabels)))
}

// GroundTruthEIG computes the exact expected information gain of a batch of
// designs about the target labels, as the prior entropy minus the posterior
// entropy of the target marginal. The result has the design's batch shape.
func (m *LinearModel) GroundTruthEIG(design *tensor.Tensor, targetLabels []string) (*tensor.Tensor, error) {
	if design.Rank() < 2 {
		return nil, boederr.Newf(boederr.ShapeMismatch, "design rank %d, want >= 2", design.Rank())
	}
	shape := design.Shape()
	n, p := shape[len(shape)-2], shape[len(shape)-1]
	if p != m.TotalSize() {
		return nil, boederr.Newf(boederr.ShapeMismatch,
			"design has %d columns, model has %d weights", p, m.TotalSize())
	}

	hPrior, err := m.PriorEntropy(targetLabels)
	if err != nil {
		return nil, err
	}
	priorCov := m.PriorCov()
	idx := m.Indices(targetLabels)

	batch := shape[:len(shape)-2]
	count := 1
	for _, b := range batch {
		count *= b
	}
	data := design.Data()
	out := make([]float64, count)
	for b := 0; b < count; b++ {
		x := mat.NewDense(n, p, data[b*n*p:(b+1)*n*p])
		post, err := AnalyticPosteriorCov(priorCov, x, m.ObsSD)
		if err != nil {
			return nil, err
		}
		hPost, err := gaussianEntropy(subCov(post, idx))
		if err != nil {
			return nil, err
		}
		out[b] = hPrior - hPost
	}
	return tensor.FromSlice(out, batch...), nil
}

// PosteriorScaleTril returns the lower Cholesky factor of the posterior
// covariance restricted to the target labels, for seeding guide parameters
// in tests.
func (m *LinearModel) PosteriorScaleTril(x *mat.Dense, targetLabels []string) (*tensor.Tensor, error) {
	post, err := AnalyticPosteriorCov(m.PriorCov(), x, m.ObsSD)
	if err != nil {
		return nil, err
	}
	sub := subCov(post, m.Indices(targetLabels))
	var chol mat.Cholesky
	if !chol.Factorize(sub) {
		return nil, boederr.New(boederr.NumericalInstability, "posterior covariance not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)
	d := len(m.Indices(targetLabels))
	out := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			out[i*d+j] = l.At(i, j)
		}
	}
	return tensor.FromSlice(out, d, d), nil
}
