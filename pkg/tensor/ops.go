package tensor

import (
	"fmt"
	"math"
)

// broadcastShape returns the right-aligned broadcast of a and b, following
// the usual convention: trailing dimensions must match or be 1.
func broadcastShape(a, b []int) []int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}
		switch {
		case da == db:
			out[n-1-i] = da
		case da == 1:
			out[n-1-i] = db
		case db == 1:
			out[n-1-i] = da
		default:
			panic(fmt.Sprintf("tensor: cannot broadcast %v with %v", a, b))
		}
	}
	return out
}

// broadcastStrides returns per-dimension strides for iterating a tensor of
// the given shape as if it had the broadcast shape out.
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	stride := 1
	for i := 0; i < len(shape); i++ {
		d := len(shape) - 1 - i
		o := len(out) - 1 - i
		if shape[d] == 1 && out[o] != 1 {
			strides[o] = 0
		} else {
			strides[o] = stride
		}
		stride *= shape[d]
	}
	return strides
}

func binop(a, b *Tensor, f func(x, y float64) float64,
	vjp func(g *Tensor) []*Tensor) *Tensor {

	out := broadcastShape(a.shape, b.shape)
	sa := broadcastStrides(a.shape, out)
	sb := broadcastStrides(b.shape, out)
	data := make([]float64, numel(out))

	idx := make([]int, len(out))
	oa, ob := 0, 0
	for i := range data {
		data[i] = f(a.data[oa], b.data[ob])
		for d := len(out) - 1; d >= 0; d-- {
			idx[d]++
			oa += sa[d]
			ob += sb[d]
			if idx[d] < out[d] {
				break
			}
			idx[d] = 0
			oa -= out[d] * sa[d]
			ob -= out[d] * sb[d]
		}
	}
	return newNode(out, data, []*Tensor{a, b}, vjp)
}

// ReduceTo sums g down to the given shape, undoing broadcasting.
func ReduceTo(g *Tensor, shape []int) *Tensor {
	if sameShape(g.shape, shape) {
		return g
	}
	out := append([]int(nil), shape...)
	strides := broadcastStrides(shape, g.shape)
	data := make([]float64, numel(shape))

	idx := make([]int, len(g.shape))
	off := 0
	for i := range g.data {
		data[off] += g.data[i]
		for d := len(g.shape) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < g.shape[d] {
				break
			}
			idx[d] = 0
			off -= g.shape[d] * strides[d]
		}
	}
	return newNode(out, data, []*Tensor{g}, func(gg *Tensor) []*Tensor {
		return []*Tensor{Expand(gg, g.shape...)}
	})
}

// Expand broadcasts t up to the given shape, materializing the result.
func Expand(t *Tensor, shape ...int) *Tensor {
	if sameShape(t.shape, shape) {
		return t
	}
	out := append([]int(nil), shape...)
	strides := broadcastStrides(t.shape, out)
	data := make([]float64, numel(out))

	idx := make([]int, len(out))
	off := 0
	for i := range data {
		data[i] = t.data[off]
		for d := len(out) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < out[d] {
				break
			}
			idx[d] = 0
			off -= out[d] * strides[d]
		}
	}
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		return []*Tensor{ReduceTo(g, t.shape)}
	})
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) *Tensor {
	return binop(a, b, func(x, y float64) float64 { return x + y },
		func(g *Tensor) []*Tensor {
			return []*Tensor{ReduceTo(g, a.shape), ReduceTo(g, b.shape)}
		})
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) *Tensor {
	return binop(a, b, func(x, y float64) float64 { return x - y },
		func(g *Tensor) []*Tensor {
			return []*Tensor{ReduceTo(g, a.shape), Neg(ReduceTo(g, b.shape))}
		})
}

// Mul returns a * b elementwise with broadcasting.
func Mul(a, b *Tensor) *Tensor {
	return binop(a, b, func(x, y float64) float64 { return x * y },
		func(g *Tensor) []*Tensor {
			return []*Tensor{
				ReduceTo(Mul(g, b), a.shape),
				ReduceTo(Mul(g, a), b.shape),
			}
		})
}

// Div returns a / b elementwise with broadcasting.
func Div(a, b *Tensor) *Tensor {
	return binop(a, b, func(x, y float64) float64 { return x / y },
		func(g *Tensor) []*Tensor {
			return []*Tensor{
				ReduceTo(Div(g, b), a.shape),
				ReduceTo(Neg(Div(Mul(g, a), Mul(b, b))), b.shape),
			}
		})
}

func unop(a *Tensor, f func(x float64) float64, vjp func(g *Tensor) []*Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = f(v)
	}
	return newNode(append([]int(nil), a.shape...), data, []*Tensor{a}, vjp)
}

// Neg returns -a.
func Neg(a *Tensor) *Tensor {
	return unop(a, func(x float64) float64 { return -x },
		func(g *Tensor) []*Tensor { return []*Tensor{Neg(g)} })
}

// Scale returns c * a.
func Scale(a *Tensor, c float64) *Tensor {
	return unop(a, func(x float64) float64 { return c * x },
		func(g *Tensor) []*Tensor { return []*Tensor{Scale(g, c)} })
}

// AddScalar returns a + c.
func AddScalar(a *Tensor, c float64) *Tensor {
	return unop(a, func(x float64) float64 { return x + c },
		func(g *Tensor) []*Tensor { return []*Tensor{g} })
}

// Log returns the elementwise natural logarithm.
func Log(a *Tensor) *Tensor {
	return unop(a, math.Log,
		func(g *Tensor) []*Tensor { return []*Tensor{Div(g, a)} })
}

// Exp returns the elementwise exponential.
func Exp(a *Tensor) *Tensor {
	out := unop(a, math.Exp, nil)
	if out.vjp == nil && out.requiresGrad {
		out.vjp = func(g *Tensor) []*Tensor { return []*Tensor{Mul(g, out)} }
	}
	return out
}

// Sqrt returns the elementwise square root.
func Sqrt(a *Tensor) *Tensor {
	out := unop(a, math.Sqrt, nil)
	if out.vjp == nil && out.requiresGrad {
		out.vjp = func(g *Tensor) []*Tensor {
			return []*Tensor{Div(g, Scale(out, 2))}
		}
	}
	return out
}

// Pow returns a**p elementwise.
func Pow(a *Tensor, p float64) *Tensor {
	return unop(a, func(x float64) float64 { return math.Pow(x, p) },
		func(g *Tensor) []*Tensor {
			return []*Tensor{Mul(g, Scale(Pow(a, p-1), p))}
		})
}

// Sigmoid returns 1 / (1 + exp(-a)).
func Sigmoid(a *Tensor) *Tensor {
	out := unop(a, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil)
	if out.vjp == nil && out.requiresGrad {
		out.vjp = func(g *Tensor) []*Tensor {
			one := Ones(out.shape...)
			return []*Tensor{Mul(g, Mul(out, Sub(one, out)))}
		}
	}
	return out
}

// Softplus returns log(1 + exp(a)), computed stably.
func Softplus(a *Tensor) *Tensor {
	return unop(a, func(x float64) float64 {
		if x > 30 {
			return x
		}
		return math.Log1p(math.Exp(x))
	}, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, Sigmoid(a))}
	})
}

// ZeroNonFinite replaces NaN and Inf entries with zero. The gradient is
// blocked at the replaced entries, so masked terms drop out of both the
// value and the gradient instead of corrupting them.
func ZeroNonFinite(a *Tensor) *Tensor {
	finite := func(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
	return unop(a, func(x float64) float64 {
		if finite(x) {
			return x
		}
		return 0
	}, func(g *Tensor) []*Tensor {
		mask := Apply(a, func(x float64) float64 {
			if finite(x) {
				return 1
			}
			return 0
		})
		return []*Tensor{Mul(g, mask)}
	})
}

// Apply maps f over a without recording gradients. Use for masks and other
// non-differentiable transforms of observed data.
func Apply(a *Tensor, f func(x float64) float64) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = f(v)
	}
	return &Tensor{shape: append([]int(nil), a.shape...), data: data}
}
