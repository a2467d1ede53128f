package tensor

import "math"

// Abs returns |a| elementwise. The subgradient at zero is taken as zero.
func Abs(a *Tensor) *Tensor {
	return unop(a, math.Abs, func(g *Tensor) []*Tensor {
		sign := Apply(a, func(x float64) float64 {
			if x > 0 {
				return 1
			}
			if x < 0 {
				return -1
			}
			return 0
		})
		return []*Tensor{Mul(g, sign)}
	})
}

// Lgamma returns log Γ(a) elementwise.
func Lgamma(a *Tensor) *Tensor {
	return unop(a, func(x float64) float64 {
		v, _ := math.Lgamma(x)
		return v
	}, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, unop(a, Digamma, func(g2 *Tensor) []*Tensor {
			// trigamma via series; only reached under nested differentiation
			return []*Tensor{Mul(g2, Apply(a, trigamma))}
		}))}
	})
}

// Phi returns the standard normal CDF elementwise.
func Phi(a *Tensor) *Tensor {
	return unop(a, func(x float64) float64 {
		return 0.5 * (1 + math.Erf(x/math.Sqrt2))
	}, func(g *Tensor) []*Tensor {
		pdf := unop(a, func(x float64) float64 {
			return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
		}, func(g2 *Tensor) []*Tensor {
			return []*Tensor{Mul(g2, Apply(a, func(x float64) float64 {
				return -x * math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
			}))}
		})
		return []*Tensor{Mul(g, pdf)}
	})
}

// Digamma evaluates the digamma function ψ(x) by upward recurrence into the
// asymptotic regime.
func Digamma(x float64) float64 {
	if x <= 0 && x == math.Trunc(x) {
		return math.NaN()
	}
	// reflection for negative arguments
	if x < 0 {
		return Digamma(1-x) - math.Pi/math.Tan(math.Pi*x)
	}
	res := 0.0
	for x < 6 {
		res -= 1 / x
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	res += math.Log(x) - 0.5*inv -
		inv2*(1.0/12-inv2*(1.0/120-inv2*(1.0/252-inv2/240)))
	return res
}

func trigamma(x float64) float64 {
	res := 0.0
	for x < 6 {
		res += 1 / (x * x)
		x++
	}
	inv := 1 / x
	inv2 := inv * inv
	res += inv * (1 + 0.5*inv + inv2*(1.0/6-inv2*(1.0/30-inv2/42)))
	return res
}
