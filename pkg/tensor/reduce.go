package tensor

import (
	"fmt"
	"math"
)

func normAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", axis, rank))
	}
	return axis
}

// Reshape returns a view of t with a new shape of the same size.
func Reshape(t *Tensor, shape ...int) *Tensor {
	if numel(shape) != len(t.data) {
		panic(fmt.Sprintf("tensor: reshape %v to %v", t.shape, shape))
	}
	out := append([]int(nil), shape...)
	return newNode(out, t.data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		return []*Tensor{Reshape(g, t.shape...)}
	})
}

// Unsqueeze inserts a dimension of size one at the given axis.
func Unsqueeze(t *Tensor, axis int) *Tensor {
	rank := len(t.shape) + 1
	if axis < 0 {
		axis += rank
	}
	shape := make([]int, 0, rank)
	shape = append(shape, t.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.shape[axis:]...)
	return Reshape(t, shape...)
}

// LExpand prepends a dimension of size k, repeating t k times. This is the
// sample-expansion primitive the estimators use for their outer loops.
func LExpand(t *Tensor, k int) *Tensor {
	shape := append([]int{k}, t.shape...)
	return Expand(Unsqueeze(t, 0), shape...)
}

// SumAxis sums over one axis, removing it.
func SumAxis(t *Tensor, axis int) *Tensor {
	axis = normAxis(axis, len(t.shape))
	out := make([]int, 0, len(t.shape)-1)
	out = append(out, t.shape[:axis]...)
	out = append(out, t.shape[axis+1:]...)

	n := t.shape[axis]
	inner := 1
	for _, s := range t.shape[axis+1:] {
		inner *= s
	}
	outer := len(t.data) / (n * inner)

	data := make([]float64, numel(out))
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			base := (o*n + j) * inner
			dst := o * inner
			for i := 0; i < inner; i++ {
				data[dst+i] += t.data[base+i]
			}
		}
	}
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		return []*Tensor{Expand(Unsqueeze(g, axis), t.shape...)}
	})
}

// MeanAxis averages over one axis.
func MeanAxis(t *Tensor, axis int) *Tensor {
	axis = normAxis(axis, len(t.shape))
	return Scale(SumAxis(t, axis), 1/float64(t.shape[axis]))
}

// Sum reduces all elements to a scalar.
func Sum(t *Tensor) *Tensor {
	total := 0.0
	for _, v := range t.data {
		total += v
	}
	return newNode([]int{}, []float64{total}, []*Tensor{t}, func(g *Tensor) []*Tensor {
		return []*Tensor{Expand(g, t.shape...)}
	})
}

// Mean reduces all elements to their scalar average.
func Mean(t *Tensor) *Tensor {
	return Scale(Sum(t), 1/float64(len(t.data)))
}

// LogSumExp reduces axis 0 with a max-shifted log-sum-exp.
func LogSumExp(t *Tensor) *Tensor {
	if len(t.shape) == 0 {
		panic("tensor: LogSumExp on scalar")
	}
	n := t.shape[0]
	inner := len(t.data) / n
	out := append([]int(nil), t.shape[1:]...)
	data := make([]float64, inner)
	for i := 0; i < inner; i++ {
		maxv := math.Inf(-1)
		for j := 0; j < n; j++ {
			if v := t.data[j*inner+i]; v > maxv {
				maxv = v
			}
		}
		if math.IsInf(maxv, -1) {
			data[i] = math.Inf(-1)
			continue
		}
		s := 0.0
		for j := 0; j < n; j++ {
			s += math.Exp(t.data[j*inner+i] - maxv)
		}
		data[i] = maxv + math.Log(s)
	}
	res := newNode(out, data, []*Tensor{t}, nil)
	if res.requiresGrad {
		res.vjp = func(g *Tensor) []*Tensor {
			// d lse / d x_j = softmax_j = exp(x_j - lse)
			return []*Tensor{Mul(Expand(Unsqueeze(g, 0), t.shape...), Exp(Sub(t, res)))}
		}
	}
	return res
}

// Concat joins tensors along axis 0. All trailing shapes must match.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: Concat of nothing")
	}
	rest := ts[0].shape[1:]
	total := 0
	for _, t := range ts {
		if !sameShape(t.shape[1:], rest) {
			panic(fmt.Sprintf("tensor: Concat shape %v vs %v", t.shape, ts[0].shape))
		}
		total += t.shape[0]
	}
	out := append([]int{total}, rest...)
	data := make([]float64, 0, numel(out))
	for _, t := range ts {
		data = append(data, t.data...)
	}
	parents := append([]*Tensor(nil), ts...)
	return newNode(out, data, parents, func(g *Tensor) []*Tensor {
		grads := make([]*Tensor, len(ts))
		off := 0
		for i, t := range ts {
			grads[i] = NarrowLead(g, off, t.shape[0])
			off += t.shape[0]
		}
		return grads
	})
}

// NarrowLead slices [from, from+n) along axis 0.
func NarrowLead(t *Tensor, from, n int) *Tensor {
	inner := len(t.data) / t.shape[0]
	out := append([]int{n}, t.shape[1:]...)
	data := make([]float64, n*inner)
	copy(data, t.data[from*inner:(from+n)*inner])
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		full := New(t.shape...)
		copy(full.data[from*inner:], g.data)
		gg := newNode(full.shape, full.data, []*Tensor{g}, func(g2 *Tensor) []*Tensor {
			return []*Tensor{NarrowLead(g2, from, n)}
		})
		return []*Tensor{gg}
	})
}

// ConcatLast joins tensors along their final axis.
func ConcatLast(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatLast of nothing")
	}
	if len(ts) == 1 {
		return ts[0]
	}
	lead := ts[0].shape[:len(ts[0].shape)-1]
	total := 0
	for _, t := range ts {
		if !sameShape(t.shape[:len(t.shape)-1], lead) {
			panic(fmt.Sprintf("tensor: ConcatLast shape %v vs %v", t.shape, ts[0].shape))
		}
		total += t.Dim(-1)
	}
	out := append(append([]int(nil), lead...), total)
	rows := numel(lead)
	data := make([]float64, rows*total)
	off := 0
	for _, t := range ts {
		w := t.Dim(-1)
		for r := 0; r < rows; r++ {
			copy(data[r*total+off:r*total+off+w], t.data[r*w:(r+1)*w])
		}
		off += w
	}
	parents := append([]*Tensor(nil), ts...)
	return newNode(out, data, parents, func(g *Tensor) []*Tensor {
		grads := make([]*Tensor, len(ts))
		off := 0
		for i, t := range ts {
			w := t.Dim(-1)
			idx := make([]int, w)
			for j := range idx {
				idx[j] = off + j
			}
			grads[i] = SelectLast(g, idx)
			off += w
		}
		return grads
	})
}

// SelectLast gathers the given indices along the final axis.
func SelectLast(t *Tensor, indices []int) *Tensor {
	w := t.Dim(-1)
	rows := len(t.data) / w
	out := append(append([]int(nil), t.shape[:len(t.shape)-1]...), len(indices))
	data := make([]float64, rows*len(indices))
	for r := 0; r < rows; r++ {
		for j, ix := range indices {
			data[r*len(indices)+j] = t.data[r*w+ix]
		}
	}
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		full := New(t.shape...)
		for r := 0; r < rows; r++ {
			for j, ix := range indices {
				full.data[r*w+ix] += g.data[r*len(indices)+j]
			}
		}
		gg := newNode(full.shape, full.data, []*Tensor{g}, func(g2 *Tensor) []*Tensor {
			return []*Tensor{SelectLast(g2, indices)}
		})
		return []*Tensor{gg}
	})
}
