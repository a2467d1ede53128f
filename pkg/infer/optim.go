package infer

import (
	"math"

	"github.com/inferlab/boed/pkg/tensor"
)

// Adam implements the Adam update rule over leaf tensors. State is keyed by
// tensor identity, so one optimizer can serve disjoint parameter groups at
// different times, as the saddle-point loop does.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64

	m     map[*tensor.Tensor][]float64
	v     map[*tensor.Tensor][]float64
	steps map[*tensor.Tensor]int
}

// NewAdam creates an Adam optimizer with the given learning rate and the
// usual defaults for the moment decays.
func NewAdam(lr float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make(map[*tensor.Tensor][]float64),
		v:     make(map[*tensor.Tensor][]float64),
		steps: make(map[*tensor.Tensor]int),
	}
}

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.lr }

// SetLR overrides the learning rate; the scheduler calls this.
func (a *Adam) SetLR(lr float64) { a.lr = lr }

// Step applies one Adam update to every parameter with an accumulated
// gradient, mutating parameter data in place.
func (a *Adam) Step(params []*tensor.Tensor) {
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, p.Size())
			a.m[p] = m
			a.v[p] = make([]float64, p.Size())
		}
		v := a.v[p]
		a.steps[p]++
		t := float64(a.steps[p])

		data := p.Data()
		gd := g.Data()
		c1 := 1 - math.Pow(a.beta1, t)
		c2 := 1 - math.Pow(a.beta2, t)
		for i := range data {
			m[i] = a.beta1*m[i] + (1-a.beta1)*gd[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*gd[i]*gd[i]
			data[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
}

// ExpDecay is an exponential learning-rate schedule: each Tick multiplies
// the wrapped optimizer's rate by gamma. GammaOver computes the gamma that
// moves from a start to an end rate over a fixed number of steps.
type ExpDecay struct {
	opt   *Adam
	gamma float64
}

// NewExpDecay wraps opt with a per-step decay factor gamma.
func NewExpDecay(opt *Adam, gamma float64) *ExpDecay {
	return &ExpDecay{opt: opt, gamma: gamma}
}

// GammaOver returns the decay factor taking startLR to endLR in steps.
func GammaOver(startLR, endLR float64, steps int) float64 {
	if steps <= 0 {
		return 1
	}
	return math.Pow(endLR/startLR, 1/float64(steps))
}

// Tick applies one decay step.
func (e *ExpDecay) Tick() {
	e.opt.SetLR(e.opt.LR() * e.gamma)
}
