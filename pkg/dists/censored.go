package dists

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/inferlab/boed/pkg/tensor"
)

// CensoredSigmoidNormal is the response distribution of the sigmoid models:
// a Normal pushed through the sigmoid and censored at lower/upper limits.
// The censoring makes the sampler non-reparametrizable, which is the case
// the score-function machinery exists for.
type CensoredSigmoidNormal struct {
	Loc      *tensor.Tensor
	Scale    *tensor.Tensor
	UpperLim float64
	LowerLim float64
	Event    int
}

func (c *CensoredSigmoidNormal) Sample(rng *rand.Rand) *tensor.Tensor {
	shape := broadcast2(c.Loc.Shape(), c.Scale.Shape())
	eps := tensor.RandN(rng, shape...)
	x := tensor.Add(c.Loc, tensor.Mul(c.Scale, eps))
	return tensor.Apply(x, func(v float64) float64 {
		s := 1 / (1 + math.Exp(-v))
		if s > c.UpperLim {
			return c.UpperLim
		}
		if s < c.LowerLim {
			return c.LowerLim
		}
		return s
	})
}

func (c *CensoredSigmoidNormal) LogProb(y *tensor.Tensor) *tensor.Tensor {
	maskLow := tensor.Apply(y, func(v float64) float64 {
		if v <= c.LowerLim {
			return 1
		}
		return 0
	})
	maskHigh := tensor.Apply(y, func(v float64) float64 {
		if v >= c.UpperLim {
			return 1
		}
		return 0
	})
	maskMid := tensor.Apply(y, func(v float64) float64 {
		if v <= c.LowerLim || v >= c.UpperLim {
			return 0
		}
		return 1
	})

	// logit of y with boundary entries parked at 0.5 so the interior
	// branch stays finite where it is masked away
	safeY := tensor.Apply(y, func(v float64) float64 {
		if v <= c.LowerLim || v >= c.UpperLim {
			return 0.5
		}
		return v
	})
	logitY := tensor.Apply(safeY, func(v float64) float64 {
		return math.Log(v) - math.Log(1-v)
	})

	zLow := tensor.Div(tensor.AddScalar(tensor.Neg(c.Loc), logit(c.LowerLim)), c.Scale)
	zHigh := tensor.Div(tensor.AddScalar(tensor.Neg(c.Loc), logit(c.UpperLim)), c.Scale)

	// tiny floor keeps the masked-away branch finite (0 * -inf is NaN)
	lowLP := tensor.Log(tensor.AddScalar(tensor.Phi(zLow), 1e-300))
	highLP := tensor.Log(tensor.AddScalar(
		tensor.Sub(tensor.Ones(zHigh.Shape()...), tensor.Phi(zHigh)), 1e-300))

	z := tensor.Div(tensor.Sub(logitY, c.Loc), c.Scale)
	normalLP := tensor.Scale(tensor.Add(tensor.Mul(z, z),
		tensor.AddScalar(tensor.Scale(tensor.Log(c.Scale), 2), log2Pi)), -0.5)
	jacobian := tensor.Apply(safeY, func(v float64) float64 {
		return -math.Log(v * (1 - v))
	})
	midLP := tensor.Add(normalLP, jacobian)

	lp := tensor.Add(tensor.Add(
		tensor.Mul(maskLow, lowLP),
		tensor.Mul(maskHigh, highLP)),
		tensor.Mul(maskMid, midLP))
	return sumEvent(lp, c.Event)
}

func (c *CensoredSigmoidNormal) Reparametrized() bool { return false }

func logit(p float64) float64 { return math.Log(p) - math.Log(1-p) }
