package tensor

import "fmt"

// topo returns the reverse-topological evaluation order reaching out.
// Grounded on the micrograd-style backward pass: depth-first build, then
// walk the list in reverse.
func topo(out *Tensor) []*Tensor {
	var order []*Tensor
	visited := map[*Tensor]bool{}
	var build func(t *Tensor)
	build = func(t *Tensor) {
		if visited[t] || t == nil || !t.requiresGrad {
			return
		}
		visited[t] = true
		for _, p := range t.parents {
			build(p)
		}
		order = append(order, t)
	}
	build(out)
	return order
}

func backward(out, seed *Tensor, createGraph bool) map[*Tensor]*Tensor {
	if seed == nil {
		if len(out.data) != 1 {
			panic(fmt.Sprintf("tensor: Backward needs a scalar, got shape %v", out.shape))
		}
		seed = Ones(out.shape...)
	}
	order := topo(out)
	grads := map[*Tensor]*Tensor{out: seed}

	run := func(fn func()) {
		if createGraph {
			fn()
			return
		}
		NoGrad(fn)
	}

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g, ok := grads[t]
		if !ok || t.vjp == nil {
			continue
		}
		var pgrads []*Tensor
		run(func() { pgrads = t.vjp(g) })
		for j, p := range t.parents {
			if p == nil || !p.requiresGrad || pgrads[j] == nil {
				continue
			}
			pg := pgrads[j]
			if !sameShape(pg.shape, p.shape) {
				run(func() { pg = ReduceTo(pg, p.shape) })
			}
			if acc, ok := grads[p]; ok {
				run(func() { grads[p] = Add(acc, pg) })
			} else {
				grads[p] = pg
			}
		}
	}
	return grads
}

// Backward runs reverse-mode differentiation from the scalar out,
// accumulating gradients into the grad buffers of all reachable leaves.
// Repeated calls accumulate, matching the two-phase (guide then design)
// backprop of the optimization loop; ZeroGrad clears between steps.
func Backward(out *Tensor) {
	grads := backward(out, nil, false)
	for t, g := range grads {
		if !t.IsLeaf() {
			continue
		}
		if t.grad == nil {
			t.grad = g.Clone()
		} else {
			for i, v := range g.data {
				t.grad.data[i] += v
			}
		}
	}
}

// Grad returns d out / d inputs without touching leaf grad buffers. With
// createGraph the returned tensors are themselves differentiable, which is
// the capability the Laplace guide's Hessian computation requires.
func Grad(out *Tensor, inputs []*Tensor, createGraph bool) []*Tensor {
	grads := backward(out, nil, createGraph)
	res := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		if g, ok := grads[in]; ok {
			res[i] = g
		} else {
			res[i] = New(in.shape...)
		}
	}
	return res
}
