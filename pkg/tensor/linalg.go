package tensor

import "fmt"

// MatVec computes the batched matrix-vector product a · v, where a has shape
// (..., n, p) and v has shape (..., p). Batch dimensions broadcast against
// each other; the result has shape (batch..., n).
func MatVec(a, v *Tensor) *Tensor {
	if a.Rank() < 2 || v.Rank() < 1 {
		panic(fmt.Sprintf("tensor: MatVec on shapes %v, %v", a.shape, v.shape))
	}
	n, p := a.Dim(-2), a.Dim(-1)
	if v.Dim(-1) != p {
		panic(fmt.Sprintf("tensor: MatVec inner dim %v vs %v", a.shape, v.shape))
	}
	batch := broadcastShape(a.shape[:a.Rank()-2], v.shape[:v.Rank()-1])

	ab := Expand(a, append(append([]int(nil), batch...), n, p)...)
	vb := Expand(v, append(append([]int(nil), batch...), p)...)

	rows := numel(batch)
	out := append(append([]int(nil), batch...), n)
	data := make([]float64, rows*n)
	for r := 0; r < rows; r++ {
		am := ab.data[r*n*p : (r+1)*n*p]
		vv := vb.data[r*p : (r+1)*p]
		for i := 0; i < n; i++ {
			s := 0.0
			row := am[i*p : (i+1)*p]
			for j := 0; j < p; j++ {
				s += row[j] * vv[j]
			}
			data[r*n+i] = s
		}
	}
	return newNode(out, data, []*Tensor{ab, vb}, func(g *Tensor) []*Tensor {
		// da[..., i, j] = g[..., i] * v[..., j]
		ga := Mul(Unsqueeze(g, -1), Unsqueeze(vb, -2))
		// dv[..., j] = sum_i g[..., i] * a[..., i, j]
		gv := SumAxis(Mul(Unsqueeze(g, -1), ab), -2)
		return []*Tensor{ga, gv}
	})
}

// Dot computes the batched inner product of two (..., n) tensors,
// returning shape (...).
func Dot(a, b *Tensor) *Tensor {
	return SumAxis(Mul(a, b), -1)
}

// Tril zeroes the strict upper triangle of the last two dimensions.
func Tril(t *Tensor) *Tensor {
	if t.Rank() < 2 {
		panic(fmt.Sprintf("tensor: Tril on shape %v", t.shape))
	}
	n, p := t.Dim(-2), t.Dim(-1)
	data := make([]float64, len(t.data))
	copy(data, t.data)
	mats := len(t.data) / (n * p)
	for m := 0; m < mats; m++ {
		base := m * n * p
		for i := 0; i < n; i++ {
			for j := i + 1; j < p; j++ {
				data[base+i*p+j] = 0
			}
		}
	}
	out := append([]int(nil), t.shape...)
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		return []*Tensor{Tril(g)}
	})
}

// TriSolveVec solves the batched lower-triangular system L y = b, with L of
// shape (..., p, p) and b of shape (..., p). With transpose set it solves
// Lᵀ y = b instead. Batch dimensions broadcast.
func TriSolveVec(l, b *Tensor, transpose bool) *Tensor {
	p := l.Dim(-1)
	if l.Dim(-2) != p || b.Dim(-1) != p {
		panic(fmt.Sprintf("tensor: TriSolveVec on shapes %v, %v", l.shape, b.shape))
	}
	batch := broadcastShape(l.shape[:l.Rank()-2], b.shape[:b.Rank()-1])
	lb := Expand(l, append(append([]int(nil), batch...), p, p)...)
	bb := Expand(b, append(append([]int(nil), batch...), p)...)

	rows := numel(batch)
	out := append(append([]int(nil), batch...), p)
	data := make([]float64, rows*p)
	for r := 0; r < rows; r++ {
		lm := lb.data[r*p*p : (r+1)*p*p]
		bv := bb.data[r*p : (r+1)*p]
		y := data[r*p : (r+1)*p]
		if !transpose {
			for i := 0; i < p; i++ {
				s := bv[i]
				for j := 0; j < i; j++ {
					s -= lm[i*p+j] * y[j]
				}
				y[i] = s / lm[i*p+i]
			}
		} else {
			for i := p - 1; i >= 0; i-- {
				s := bv[i]
				for j := i + 1; j < p; j++ {
					s -= lm[j*p+i] * y[j]
				}
				y[i] = s / lm[i*p+i]
			}
		}
	}
	res := newNode(out, data, []*Tensor{lb, bb}, nil)
	if res.requiresGrad {
		res.vjp = func(g *Tensor) []*Tensor {
			// gb = L^-T g (or L^-1 g for the transposed system);
			// gL = -gb ⊗ y with the outer product transposed accordingly.
			gb := TriSolveVec(lb, g, !transpose)
			var gl *Tensor
			if !transpose {
				gl = Neg(Mul(Unsqueeze(gb, -1), Unsqueeze(res, -2)))
			} else {
				gl = Neg(Mul(Unsqueeze(res, -1), Unsqueeze(gb, -2)))
			}
			return []*Tensor{Tril(gl), gb}
		}
	}
	return res
}

// DiagPart extracts the diagonal of the last two dimensions, shape
// (..., p, p) -> (..., p).
func DiagPart(t *Tensor) *Tensor {
	p := t.Dim(-1)
	if t.Dim(-2) != p {
		panic(fmt.Sprintf("tensor: DiagPart on shape %v", t.shape))
	}
	mats := len(t.data) / (p * p)
	out := append(append([]int(nil), t.shape[:t.Rank()-2]...), p)
	data := make([]float64, mats*p)
	for m := 0; m < mats; m++ {
		for i := 0; i < p; i++ {
			data[m*p+i] = t.data[m*p*p+i*p+i]
		}
	}
	return newNode(out, data, []*Tensor{t}, func(g *Tensor) []*Tensor {
		full := New(t.shape...)
		for m := 0; m < mats; m++ {
			for i := 0; i < p; i++ {
				full.data[m*p*p+i*p+i] = g.data[m*p+i]
			}
		}
		gg := newNode(full.shape, full.data, []*Tensor{g}, func(g2 *Tensor) []*Tensor {
			return []*Tensor{DiagPart(g2)}
		})
		return []*Tensor{gg}
	})
}
