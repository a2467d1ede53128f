// Package tensor implements batched float64 tensors with reverse-mode
// automatic differentiation.
//
// Tensors are immutable once produced by an op. Every op that consumes a
// tensor requiring gradients records a vector-Jacobian-product closure, and
// Backward replays the tape in reverse topological order. Gradients are
// themselves tensors, so nested differentiation (Hessians) works by calling
// Grad with createGraph enabled.
//
// The package assumes the single-threaded execution model of the rest of the
// library: ops and Backward must not be called from multiple goroutines
// concurrently on connected graphs.
package tensor

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Tensor is a dense float64 array with an optional autodiff tape entry.
type Tensor struct {
	shape []int
	data  []float64

	requiresGrad bool
	parents      []*Tensor
	// vjp maps the gradient at this node to gradients at each parent.
	// Entries may be nil for parents that do not require gradients.
	vjp func(g *Tensor) []*Tensor

	// grad accumulates during Backward for leaf tensors only.
	grad *Tensor
}

// tracking gates tape construction. Backward disables it while executing
// vjp closures unless the caller asked for a differentiable backward pass.
var tracking = true

// NoGrad runs fn with tape construction disabled. Ops executed inside fn
// compute values only, which keeps evaluation-time estimators cheap.
func NoGrad(fn func()) {
	prev := tracking
	tracking = false
	defer func() { tracking = prev }()
	fn()
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// New returns a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float64, numel(shape))}
}

// Full returns a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Ones returns a tensor of ones.
func Ones(shape ...int) *Tensor { return Full(1, shape...) }

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{shape: []int{}, data: []float64{v}}
}

// FromSlice wraps data in a tensor of the given shape. The slice is copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: FromSlice got %d values for shape %v", len(data), shape))
	}
	t := New(shape...)
	copy(t.data, data)
	return t
}

// Eye returns the p x p identity matrix.
func Eye(p int) *Tensor {
	t := New(p, p)
	for i := 0; i < p; i++ {
		t.data[i*p+i] = 1
	}
	return t
}

// RandN fills a new tensor with standard normal draws from rng.
func RandN(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64()
	}
	return t
}

// RandU fills a new tensor with Uniform(0,1) draws from rng.
func RandU(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = rng.Float64()
	}
	return t
}

// RequireGrad marks t as a trainable leaf and returns it.
func (t *Tensor) RequireGrad() *Tensor {
	t.requiresGrad = true
	return t
}

// RequiresGrad reports whether t participates in gradient computation.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// IsLeaf reports whether t is a tape leaf (no recorded parents).
func (t *Tensor) IsLeaf() bool { return t.parents == nil }

// Shape returns the tensor shape. The caller must not modify it.
func (t *Tensor) Shape() []int { return t.shape }

// Dim returns the size of dimension i, counting from the end if negative.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying storage. The caller must not modify it while
// the tensor is part of a live graph.
func (t *Tensor) Data() []float64 { return t.data }

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// SetAt overwrites the element at the given multi-index. Only valid on
// tensors that are not part of a live graph (leaves and raw buffers).
func (t *Tensor) SetAt(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d against shape %v", len(idx), t.shape))
	}
	off := 0
	stride := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		off += idx[i] * stride
		stride *= t.shape[i]
	}
	return off
}

// Clone returns a deep copy detached from the tape.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// Detach returns a tensor sharing t's data but cut from the tape.
// This is the stop-gradient primitive the estimators rely on.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{shape: t.shape, data: t.data}
}

// Grad returns the gradient accumulated by Backward, or nil.
func (t *Tensor) Grad() *Tensor { return t.grad }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

// Fill overwrites every element with v. Leaf tensors only.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// CopyFrom overwrites t's data with src's. Shapes must match exactly.
func (t *Tensor) CopyFrom(src *Tensor) {
	if !sameShape(t.shape, src.shape) {
		panic(fmt.Sprintf("tensor: CopyFrom shape %v vs %v", src.shape, t.shape))
	}
	copy(t.data, src.data)
}

// IsBad reports whether t contains any NaN or Inf entry.
func IsBad(t *Tensor) bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newNode builds an op result, recording tape structure when tracking is on
// and at least one parent requires gradients.
func newNode(shape []int, data []float64, parents []*Tensor, vjp func(g *Tensor) []*Tensor) *Tensor {
	t := &Tensor{shape: shape, data: data}
	if !tracking {
		return t
	}
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			t.requiresGrad = true
			t.parents = parents
			t.vjp = vjp
			break
		}
	}
	return t
}
