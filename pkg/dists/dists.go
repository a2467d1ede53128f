// Package dists implements the distribution families used by the generative
// models and guides. Every family exposes a sampler and a log-density that
// is differentiable in the distribution's parameters; families that admit a
// pathwise (reparametrized) sampler say so, and the trace machinery uses
// that flag to decide whether a score-function term is required.
package dists

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/inferlab/boed/pkg/tensor"
)

// Distribution is the capability the substrate records at each sample site.
type Distribution interface {
	// Sample draws a value with the distribution's batch/event shape.
	Sample(rng *rand.Rand) *tensor.Tensor
	// LogProb returns the log-density of x with event dimensions summed
	// out, leaving the batch shape.
	LogProb(x *tensor.Tensor) *tensor.Tensor
	// Reparametrized reports whether Sample is differentiable in the
	// distribution parameters.
	Reparametrized() bool
}

const log2Pi = 1.8378770664093453

// sumEvent sums the trailing event dimensions of a per-coordinate
// log-density.
func sumEvent(lp *tensor.Tensor, event int) *tensor.Tensor {
	for i := 0; i < event; i++ {
		lp = tensor.SumAxis(lp, -1)
	}
	return lp
}

// Normal is a diagonal Gaussian. Event counts the trailing dimensions
// treated as a single event (matching to_event in the reference models).
type Normal struct {
	Loc   *tensor.Tensor
	Scale *tensor.Tensor
	Event int
}

func (n *Normal) Sample(rng *rand.Rand) *tensor.Tensor {
	shape := broadcast2(n.Loc.Shape(), n.Scale.Shape())
	eps := tensor.RandN(rng, shape...)
	return tensor.Add(n.Loc, tensor.Mul(n.Scale, eps))
}

func (n *Normal) LogProb(x *tensor.Tensor) *tensor.Tensor {
	z := tensor.Div(tensor.Sub(x, n.Loc), n.Scale)
	lp := tensor.Scale(tensor.Add(tensor.Mul(z, z), tensor.AddScalar(tensor.Scale(tensor.Log(n.Scale), 2), log2Pi)), -0.5)
	return sumEvent(lp, n.Event)
}

func (n *Normal) Reparametrized() bool { return true }

// MultivariateNormal is parameterized by a location and a lower-triangular
// scale factor, so that x = loc + L z for standard normal z.
type MultivariateNormal struct {
	Loc       *tensor.Tensor // (..., p)
	ScaleTril *tensor.Tensor // (..., p, p)
}

func (m *MultivariateNormal) Sample(rng *rand.Rand) *tensor.Tensor {
	p := m.Loc.Dim(-1)
	batch := broadcast2(m.Loc.Shape()[:m.Loc.Rank()-1], m.ScaleTril.Shape()[:m.ScaleTril.Rank()-2])
	z := tensor.RandN(rng, append(append([]int(nil), batch...), p)...)
	return tensor.Add(m.Loc, tensor.MatVec(m.ScaleTril, z))
}

func (m *MultivariateNormal) LogProb(x *tensor.Tensor) *tensor.Tensor {
	p := m.Loc.Dim(-1)
	y := tensor.TriSolveVec(m.ScaleTril, tensor.Sub(x, m.Loc), false)
	quad := tensor.Dot(y, y)
	logDet := tensor.SumAxis(tensor.Log(tensor.Abs(tensor.DiagPart(m.ScaleTril))), -1)
	return tensor.Scale(tensor.Add(tensor.Add(quad, tensor.Scale(logDet, 2)), tensor.Scalar(float64(p)*log2Pi)), -0.5)
}

func (m *MultivariateNormal) Reparametrized() bool { return true }

// Delta is a point mass. Its sampler returns the (differentiable) location
// and its log-density is zero, matching the MAP phase of the Laplace guide.
type Delta struct {
	V     *tensor.Tensor
	Event int
}

func (d *Delta) Sample(rng *rand.Rand) *tensor.Tensor { return d.V }

func (d *Delta) LogProb(x *tensor.Tensor) *tensor.Tensor {
	shape := x.Shape()
	return tensor.New(shape[:len(shape)-d.Event]...)
}

func (d *Delta) Reparametrized() bool { return true }

// Bernoulli over {0,1}. Exactly one of Logits and Probs is set; the probs
// parameterization exists for guides that mix sigmoids in probability space.
type Bernoulli struct {
	Logits *tensor.Tensor
	Probs  *tensor.Tensor
	Event  int
}

func (b *Bernoulli) probs() *tensor.Tensor {
	if b.Probs != nil {
		return b.Probs
	}
	return tensor.Apply(b.Logits, func(l float64) float64 {
		return 1 / (1 + math.Exp(-l))
	})
}

func (b *Bernoulli) Sample(rng *rand.Rand) *tensor.Tensor {
	return tensor.Apply(b.probs(), func(p float64) float64 {
		if rng.Float64() < p {
			return 1
		}
		return 0
	})
}

func (b *Bernoulli) LogProb(x *tensor.Tensor) *tensor.Tensor {
	var lp *tensor.Tensor
	if b.Logits != nil {
		// x*logit - softplus(logit)
		lp = tensor.Sub(tensor.Mul(x, b.Logits), tensor.Softplus(b.Logits))
	} else {
		one := tensor.Ones(x.Shape()...)
		lp = tensor.Add(
			tensor.Mul(x, tensor.Log(b.Probs)),
			tensor.Mul(tensor.Sub(one, x), tensor.Log(tensor.Sub(tensor.Ones(b.Probs.Shape()...), b.Probs))))
	}
	return sumEvent(lp, b.Event)
}

func (b *Bernoulli) Reparametrized() bool { return false }

func broadcast2(a, b []int) []int {
	out := tensor.Add(tensor.New(a...), tensor.New(b...))
	return out.Shape()
}
