// Package testutil provides deterministic randomness and numerical
// comparison helpers for the test suites.
package testutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/inferlab/boed/pkg/tensor"
)

// RNG returns a deterministic random source for tests.
func RNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// AssertShape fails unless t has exactly the given shape.
func AssertShape(t *testing.T, ten *tensor.Tensor, shape ...int) {
	t.Helper()
	if shape == nil {
		shape = []int{}
	}
	got := ten.Shape()
	if got == nil {
		got = []int{}
	}
	require.Equal(t, shape, got)
}

// AssertAllClose compares two tensors elementwise within tol.
func AssertAllClose(t *testing.T, want, got *tensor.Tensor, tol float64) {
	t.Helper()
	require.Equal(t, want.Shape(), got.Shape())
	for i, w := range want.Data() {
		assert.InDelta(t, w, got.Data()[i], tol, "element %d", i)
	}
}

// AssertFinite fails if the tensor contains NaN or Inf.
func AssertFinite(t *testing.T, ten *tensor.Tensor) {
	t.Helper()
	require.False(t, tensor.IsBad(ten), "tensor contains NaN or Inf")
}

// CheckGrad compares the reverse-mode gradient of f at x against central
// finite differences. f must be deterministic in x.
func CheckGrad(t *testing.T, f func(x *tensor.Tensor) *tensor.Tensor, x *tensor.Tensor, eps, tol float64) {
	t.Helper()
	leaf := x.Clone().RequireGrad()
	out := f(leaf)
	require.Equal(t, 1, out.Size(), "CheckGrad needs a scalar output")
	tensor.Backward(out)
	grad := leaf.Grad()
	require.NotNil(t, grad, "no gradient reached the input")

	for i := range x.Data() {
		orig := x.Data()[i]

		xp := x.Clone()
		xp.Data()[i] = orig + eps
		var plus float64
		tensor.NoGrad(func() { plus = f(xp).Item() })

		xm := x.Clone()
		xm.Data()[i] = orig - eps
		var minus float64
		tensor.NoGrad(func() { minus = f(xm).Item() })

		fd := (plus - minus) / (2 * eps)
		if math.Abs(fd-grad.Data()[i]) > tol*math.Max(1, math.Abs(fd)) {
			t.Errorf("gradient mismatch at %d: analytic %g, finite-difference %g", i, grad.Data()[i], fd)
		}
	}
}
