// Package infer is the probabilistic substrate the estimators consume:
// traced generative models, conditioning, an explicit parameter store and
// first-order optimizers. It implements exactly the capability set the
// estimators need (sample, condition, trace, log-prob and score parts)
// and nothing else.
package infer

import (
	"golang.org/x/exp/rand"

	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/tensor"
)

// Model is a traced generative program over a design tensor.
type Model func(ctx *Context, design *tensor.Tensor) error

// Site records one sample statement of a traced execution.
type Site struct {
	Name     string
	Dist     dists.Distribution
	Value    *tensor.Tensor
	Observed bool

	// LogProb is filled in by ComputeLogProb.
	LogProb *tensor.Tensor
	// ScoreFunction is filled in by ComputeScoreParts for sites whose
	// sampler is not reparametrized; nil otherwise.
	ScoreFunction *tensor.Tensor
}

// Trace is the ordered record of one model or guide execution. It is owned
// by a single estimator invocation and never persisted across calls.
type Trace struct {
	order []string
	sites map[string]*Site
}

func newTrace() *Trace {
	return &Trace{sites: make(map[string]*Site)}
}

// Site returns the named site, or nil.
func (t *Trace) Site(name string) *Site { return t.sites[name] }

// Value returns the sampled value at a site, or nil.
func (t *Trace) Value(name string) *tensor.Tensor {
	if s := t.sites[name]; s != nil {
		return s.Value
	}
	return nil
}

// Values collects sampled values for a set of labels.
func (t *Trace) Values(labels []string) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(labels))
	for _, l := range labels {
		out[l] = t.Value(l)
	}
	return out
}

// Names returns the site names in execution order.
func (t *Trace) Names() []string { return t.order }

// ComputeLogProb populates per-site log-densities.
func (t *Trace) ComputeLogProb() {
	for _, name := range t.order {
		s := t.sites[name]
		if s.LogProb == nil {
			s.LogProb = s.Dist.LogProb(s.Value)
		}
	}
}

// ComputeScoreParts populates log-densities and score-function components.
// For a reparametrized site the pathwise derivative through the sampled
// value carries the gradient and the score part stays nil; for everything
// else the log-density node itself is the score function.
func (t *Trace) ComputeScoreParts() {
	t.ComputeLogProb()
	for _, name := range t.order {
		s := t.sites[name]
		if !s.Dist.Reparametrized() && s.ScoreFunction == nil {
			s.ScoreFunction = s.LogProb
		}
	}
}

// SumLogProb sums the per-site log-probabilities across labels, which must
// all be present in the trace.
func (t *Trace) SumLogProb(labels []string) *tensor.Tensor {
	var total *tensor.Tensor
	for _, l := range labels {
		s := t.sites[l]
		if s == nil || s.LogProb == nil {
			panic("infer: SumLogProb before ComputeLogProb or unknown label " + l)
		}
		if total == nil {
			total = s.LogProb
		} else {
			total = tensor.Add(total, s.LogProb)
		}
	}
	return total
}

// SumScoreFunctions sums the score-function components across labels.
// Returns nil when every named site is reparametrized.
func (t *Trace) SumScoreFunctions(labels []string) *tensor.Tensor {
	var total *tensor.Tensor
	for _, l := range labels {
		s := t.sites[l]
		if s == nil {
			panic("infer: SumScoreFunctions on unknown label " + l)
		}
		if s.ScoreFunction == nil {
			continue
		}
		if total == nil {
			total = s.ScoreFunction
		} else {
			total = tensor.Add(total, s.ScoreFunction)
		}
	}
	return total
}

// Context is the handle a model or guide samples through while being traced.
type Context struct {
	rng   *rand.Rand
	trace *Trace
	data  map[string]*tensor.Tensor
}

// RNG exposes the random source, for models that need auxiliary draws.
func (c *Context) RNG() *rand.Rand { return c.rng }

// Sample draws from d and records the site, or returns the conditioned
// value when the site is clamped. The returned tensor is recorded verbatim.
func (c *Context) Sample(name string, d dists.Distribution) *tensor.Tensor {
	if _, dup := c.trace.sites[name]; dup {
		panic("infer: duplicate sample site " + name)
	}
	var value *tensor.Tensor
	observed := false
	if v, ok := c.data[name]; ok {
		value = v
		observed = true
	} else {
		value = d.Sample(c.rng)
	}
	c.trace.sites[name] = &Site{Name: name, Dist: d, Value: value, Observed: observed}
	c.trace.order = append(c.trace.order, name)
	return value
}

// Condition clamps the named sites of a model to fixed values.
func Condition(m Model, data map[string]*tensor.Tensor) Model {
	return func(ctx *Context, design *tensor.Tensor) error {
		saved := ctx.data
		merged := make(map[string]*tensor.Tensor, len(saved)+len(data))
		for k, v := range saved {
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
		ctx.data = merged
		defer func() { ctx.data = saved }()
		return m(ctx, design)
	}
}

// Capture traces an arbitrary sampling computation with optional
// conditioning data. Guides are traced through this entry point.
func Capture(rng *rand.Rand, data map[string]*tensor.Tensor, fn func(*Context) error) (*Trace, error) {
	ctx := &Context{rng: rng, trace: newTrace(), data: data}
	if err := fn(ctx); err != nil {
		return nil, err
	}
	return ctx.trace, nil
}

// Run traces one execution of a model under a design.
func Run(m Model, design *tensor.Tensor, rng *rand.Rand) (*Trace, error) {
	return Capture(rng, nil, func(ctx *Context) error {
		return m(ctx, design)
	})
}

// CheckDesign rejects NaN/Inf designs before any model evaluation.
func CheckDesign(design *tensor.Tensor) error {
	if tensor.IsBad(design) {
		return boederr.WithFields(
			boederr.New(boederr.InvalidDesign, "design contains NaN or Inf"),
			boederr.Fields{"shape": design.Shape()})
	}
	return nil
}
