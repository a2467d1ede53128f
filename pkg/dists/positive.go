package dists

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferlab/boed/pkg/tensor"
)

// Gamma with shape (concentration) and rate parameters. Sampling goes
// through gonum's rejection sampler and is not reparametrized; the guide
// losses that train Gamma parameters therefore pick up a score-function
// term from the trace.
type Gamma struct {
	Conc  *tensor.Tensor
	Rate  *tensor.Tensor
	Event int
}

func (g *Gamma) Sample(rng *rand.Rand) *tensor.Tensor {
	shape := broadcast2(g.Conc.Shape(), g.Rate.Shape())
	conc := tensor.Expand(g.Conc.Detach(), shape...)
	rate := tensor.Expand(g.Rate.Detach(), shape...)
	out := tensor.New(shape...)
	for i := range out.Data() {
		d := distuv.Gamma{Alpha: conc.Data()[i], Beta: rate.Data()[i], Src: rng}
		out.Data()[i] = d.Rand()
	}
	return out
}

func (g *Gamma) LogProb(x *tensor.Tensor) *tensor.Tensor {
	// α log β + (α-1) log x - β x - log Γ(α)
	lp := tensor.Sub(
		tensor.Add(tensor.Mul(g.Conc, tensor.Log(g.Rate)),
			tensor.Mul(tensor.AddScalar(g.Conc, -1), tensor.Log(x))),
		tensor.Add(tensor.Mul(g.Rate, x), tensor.Lgamma(g.Conc)))
	return sumEvent(lp, g.Event)
}

func (g *Gamma) Reparametrized() bool { return false }

// Exponential with a rate parameter. Sampled by inverse transform, which
// keeps the pathwise derivative with respect to the rate.
type Exponential struct {
	Rate  *tensor.Tensor
	Event int
}

func (e *Exponential) Sample(rng *rand.Rand) *tensor.Tensor {
	u := tensor.RandU(rng, e.Rate.Shape()...)
	negLogU := tensor.Apply(u, func(v float64) float64 { return -math.Log(v) })
	return tensor.Div(negLogU, e.Rate)
}

func (e *Exponential) LogProb(x *tensor.Tensor) *tensor.Tensor {
	lp := tensor.Sub(tensor.Log(e.Rate), tensor.Mul(e.Rate, x))
	return sumEvent(lp, e.Event)
}

func (e *Exponential) Reparametrized() bool { return true }

// Laplace (double exponential), the sparsity prior of the regression model.
type Laplace struct {
	Loc   *tensor.Tensor
	Scale *tensor.Tensor
	Event int
}

func (l *Laplace) Sample(rng *rand.Rand) *tensor.Tensor {
	shape := broadcast2(l.Loc.Shape(), l.Scale.Shape())
	u := tensor.RandU(rng, shape...)
	// inverse CDF of the standard Laplace
	z := tensor.Apply(u, func(v float64) float64 {
		if v < 0.5 {
			return math.Log(2 * v)
		}
		return -math.Log(2 * (1 - v))
	})
	return tensor.Add(l.Loc, tensor.Mul(l.Scale, z))
}

func (l *Laplace) LogProb(x *tensor.Tensor) *tensor.Tensor {
	lp := tensor.Neg(tensor.Add(
		tensor.Div(tensor.Abs(tensor.Sub(x, l.Loc)), l.Scale),
		tensor.AddScalar(tensor.Log(l.Scale), math.Log(2))))
	return sumEvent(lp, l.Event)
}

func (l *Laplace) Reparametrized() bool { return true }
