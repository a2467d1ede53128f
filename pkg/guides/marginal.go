package guides

import (
	"math"

	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

func checkFinite(kind, param string, t *tensor.Tensor) error {
	if tensor.IsBad(t) {
		return boederr.WithFields(
			boederr.Newf(boederr.NumericalInstability, "NaN in %s %s", kind, param),
			boederr.Fields{"shape": t.Shape()})
	}
	return nil
}

// NormalMarginalGuide approximates the marginal over observations with an
// independent full Gaussian per observation label.
type NormalMarginalGuide struct {
	store     *infer.Store
	prefix    string
	batch     []int
	ySizes    map[string]int
	muInit    float64
	sigmaInit float64
}

// NewNormalMarginalGuide builds the guide.
func NewNormalMarginalGuide(store *infer.Store, prefix string, batch []int, ySizes map[string]int) *NormalMarginalGuide {
	return &NormalMarginalGuide{
		store:     store,
		prefix:    prefix,
		batch:     append([]int(nil), batch...),
		ySizes:    ySizes,
		muInit:    0,
		sigmaInit: 3,
	}
}

func (g *NormalMarginalGuide) params(label string) (*tensor.Tensor, *tensor.Tensor) {
	p := g.ySizes[label]
	mu := g.store.Param(g.prefix+".mu."+label, tensor.Full(g.muInit, shapeOf(g.batch, p)...), infer.Real)
	st := g.store.Param(g.prefix+".scale_tril."+label, eyeInit(g.sigmaInit, g.batch, p), infer.Real)
	return mu, tensor.Tril(st)
}

func (g *NormalMarginalGuide) Run(ctx *infer.Context, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.ySizes); err != nil {
		return err
	}
	for _, l := range obsLabels {
		mu, st := g.params(l)
		ctx.Sample(l, &dists.MultivariateNormal{Loc: mu, ScaleTril: st})
	}
	return nil
}

// NormalLikelihoodGuide approximates the likelihood of observations given
// targets: the learned Gaussian is re-centred on the linear predictor of
// the sampled targets.
type NormalLikelihoodGuide struct {
	marginal NormalMarginalGuide
	wSizes   map[string]int
	wOrder   []string
}

// NewNormalLikelihoodGuide builds the guide; wOrder fixes the design column
// layout across target labels.
func NewNormalLikelihoodGuide(store *infer.Store, prefix string, batch []int, wSizes map[string]int, wOrder []string, ySizes map[string]int) *NormalLikelihoodGuide {
	return &NormalLikelihoodGuide{
		marginal: NormalMarginalGuide{
			store:     store,
			prefix:    prefix,
			batch:     append([]int(nil), batch...),
			ySizes:    ySizes,
			muInit:    0,
			sigmaInit: 3,
		},
		wSizes: wSizes,
		wOrder: append([]string(nil), wOrder...),
	}
}

func (g *NormalLikelihoodGuide) Run(ctx *infer.Context, theta map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.marginal.ySizes); err != nil {
		return err
	}
	th, err := concatLabels(theta, targetLabels)
	if err != nil {
		return err
	}
	sub := tensor.SelectLast(design, labelIndices(g.wOrder, g.wSizes, targetLabels))
	centre := tensor.MatVec(sub, th)

	for _, l := range obsLabels {
		mu, st := g.marginal.params(l)
		ctx.Sample(l, &dists.MultivariateNormal{Loc: tensor.Add(centre, mu), ScaleTril: st})
	}
	return nil
}

// SigmoidMarginalGuide approximates the marginal of a censored sigmoid
// response with a learned censored sigmoid family. Observation labels must
// be one-dimensional.
type SigmoidMarginalGuide struct {
	store     *infer.Store
	prefix    string
	batch     []int
	ySizes    map[string]int
	muInit    float64
	sigmaInit float64
	epsilon   float64
}

// NewSigmoidMarginalGuide builds the guide.
func NewSigmoidMarginalGuide(store *infer.Store, prefix string, batch []int, ySizes map[string]int) (*SigmoidMarginalGuide, error) {
	for l, p := range ySizes {
		if p != 1 {
			return nil, boederr.Newf(boederr.LabelMismatch, "sigmoid marginal needs scalar observations, label %q has size %d", l, p)
		}
	}
	return &SigmoidMarginalGuide{
		store:     store,
		prefix:    prefix,
		batch:     append([]int(nil), batch...),
		ySizes:    ySizes,
		muInit:    0,
		sigmaInit: 20,
		epsilon:   math.Exp2(-24),
	}, nil
}

func (g *SigmoidMarginalGuide) params(label string) (*tensor.Tensor, *tensor.Tensor) {
	mu := g.store.Param(g.prefix+".mu."+label, tensor.Full(g.muInit, shapeOf(g.batch, 1)...), infer.Real)
	sigma := g.store.Param(g.prefix+".sigma."+label, tensor.Full(g.sigmaInit, shapeOf(g.batch, 1)...), infer.Real)
	return mu, sigma
}

func (g *SigmoidMarginalGuide) sampleSigmoid(ctx *infer.Context, label string, mu, sigma *tensor.Tensor) {
	ctx.Sample(label, &dists.CensoredSigmoidNormal{
		Loc:      mu,
		Scale:    tensor.Softplus(sigma),
		UpperLim: 1 - g.epsilon,
		LowerLim: g.epsilon,
		Event:    1,
	})
}

func (g *SigmoidMarginalGuide) Run(ctx *infer.Context, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.ySizes); err != nil {
		return err
	}
	for _, l := range obsLabels {
		mu, sigma := g.params(l)
		if err := checkFinite("marginal mean", l, mu); err != nil {
			return err
		}
		if err := checkFinite("marginal sigma", l, sigma); err != nil {
			return err
		}
		g.sampleSigmoid(ctx, l, mu, sigma)
	}
	return nil
}

// SigmoidLikelihoodGuide re-centres the sigmoid family on a learned
// rescaling of the linear predictor of the sampled targets.
type SigmoidLikelihoodGuide struct {
	marginal SigmoidMarginalGuide
	wSizes   map[string]int
	wOrder   []string
}

// NewSigmoidLikelihoodGuide builds the guide.
func NewSigmoidLikelihoodGuide(store *infer.Store, prefix string, batch []int, wSizes map[string]int, wOrder []string, ySizes map[string]int) (*SigmoidLikelihoodGuide, error) {
	m, err := NewSigmoidMarginalGuide(store, prefix, batch, ySizes)
	if err != nil {
		return nil, err
	}
	m.sigmaInit = 10
	return &SigmoidLikelihoodGuide{
		marginal: *m,
		wSizes:   wSizes,
		wOrder:   append([]string(nil), wOrder...),
	}, nil
}

func (g *SigmoidLikelihoodGuide) Run(ctx *infer.Context, theta map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.marginal.ySizes); err != nil {
		return err
	}
	th, err := concatLabels(theta, targetLabels)
	if err != nil {
		return err
	}
	sub := tensor.SelectLast(design, labelIndices(g.wOrder, g.wSizes, targetLabels))
	centre := tensor.MatVec(sub, th)
	logMult := g.marginal.store.Param(g.marginal.prefix+".log_multiplier",
		tensor.New(shapeOf(g.marginal.batch, 1)...), infer.Real)
	scaled := tensor.Mul(tensor.Exp(logMult), centre)

	for _, l := range obsLabels {
		mu, sigma := g.marginal.params(l)
		if err := checkFinite("likelihood mean", l, mu); err != nil {
			return err
		}
		if err := checkFinite("likelihood sigma", l, sigma); err != nil {
			return err
		}
		g.marginal.sampleSigmoid(ctx, l, tensor.Add(scaled, mu), sigma)
	}
	return nil
}

// LogisticMarginalGuide approximates the marginal of binary observations
// with an independent Bernoulli per label.
type LogisticMarginalGuide struct {
	store      *infer.Store
	prefix     string
	batch      []int
	ySizes     map[string]int
	pLogitInit float64
}

// NewLogisticMarginalGuide builds the guide.
func NewLogisticMarginalGuide(store *infer.Store, prefix string, batch []int, ySizes map[string]int) *LogisticMarginalGuide {
	return &LogisticMarginalGuide{
		store:  store,
		prefix: prefix,
		batch:  append([]int(nil), batch...),
		ySizes: ySizes,
	}
}

func (g *LogisticMarginalGuide) Run(ctx *infer.Context, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.ySizes); err != nil {
		return err
	}
	for _, l := range obsLabels {
		logits := g.store.Param(g.prefix+".logits."+l,
			tensor.Full(g.pLogitInit, shapeOf(g.batch, 1)...), infer.Real)
		ctx.Sample(l, &dists.Bernoulli{Logits: logits, Event: 1})
	}
	return nil
}

// LogisticLikelihoodGuide approximates the Bernoulli likelihood given
// targets as an even mixture of two sigmoids straddling the rescaled
// linear predictor, which can fit the extra spread the marginalized
// response carries.
type LogisticLikelihoodGuide struct {
	store      *infer.Store
	prefix     string
	batch      []int
	wSizes     map[string]int
	wOrder     []string
	ySizes     map[string]int
	pLogitInit float64
}

// NewLogisticLikelihoodGuide builds the guide.
func NewLogisticLikelihoodGuide(store *infer.Store, prefix string, batch []int, wSizes map[string]int, wOrder []string, ySizes map[string]int) *LogisticLikelihoodGuide {
	return &LogisticLikelihoodGuide{
		store:  store,
		prefix: prefix,
		batch:  append([]int(nil), batch...),
		wSizes: wSizes,
		wOrder: append([]string(nil), wOrder...),
		ySizes: ySizes,
	}
}

func (g *LogisticLikelihoodGuide) Run(ctx *infer.Context, theta map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(obsLabels, g.ySizes); err != nil {
		return err
	}
	th, err := concatLabels(theta, targetLabels)
	if err != nil {
		return err
	}
	sub := tensor.SelectLast(design, labelIndices(g.wOrder, g.wSizes, targetLabels))
	centre := tensor.MatVec(sub, th)
	logMult := g.store.Param(g.prefix+".log_multiplier", tensor.New(shapeOf(g.batch, 1)...), infer.Real)
	scaled := tensor.Mul(tensor.Exp(logMult), centre)

	for _, l := range obsLabels {
		correction := g.store.Param(g.prefix+".logit_correction."+l,
			tensor.Full(g.pLogitInit, shapeOf(g.batch, 1)...), infer.Real)
		offset := g.store.Param(g.prefix+".logit_offset."+l,
			tensor.New(shapeOf(g.batch, 1)...), infer.Real)
		spread := tensor.Softplus(correction)
		base := tensor.Add(scaled, offset)
		p := tensor.Scale(tensor.Add(
			tensor.Sigmoid(tensor.Add(base, spread)),
			tensor.Sigmoid(tensor.Sub(base, spread))), 0.5)
		ctx.Sample(l, &dists.Bernoulli{Probs: p, Event: 1})
	}
	return nil
}
