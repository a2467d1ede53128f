// Package guides implements the variational families used by the
// estimators: posterior guides q(theta | y, d), marginal guides q(y | d),
// likelihood guides q(y | theta, d), a Laplace approximation and a
// Donsker-Varadhan critic built from a posterior guide.
//
// Guides hold no tensors of their own. All trainable state lives in an
// infer.Store under the guide's name prefix, so the optimization loop can
// reach every parameter and the rollout can reset state between strategies.
package guides

import (
	"math"

	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// PosteriorGuide proposes the targets given observed data.
type PosteriorGuide interface {
	Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error
}

// MarginalGuide proposes the observations unconditionally.
type MarginalGuide interface {
	Run(ctx *infer.Context, design *tensor.Tensor, obsLabels, targetLabels []string) error
}

// LikelihoodGuide proposes the observations given sampled targets.
type LikelihoodGuide interface {
	Run(ctx *infer.Context, theta map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error
}

func shapeOf(batch []int, dims ...int) []int {
	return append(append([]int(nil), batch...), dims...)
}

func sumSizes(sizes map[string]int) int {
	total := 0
	for _, p := range sizes {
		total += p
	}
	return total
}

// concatLabels joins per-label tensors along the last axis in label order.
func concatLabels(vals map[string]*tensor.Tensor, labels []string) (*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, 0, len(labels))
	for _, l := range labels {
		v, ok := vals[l]
		if !ok || v == nil {
			return nil, boederr.Newf(boederr.LabelMismatch, "missing value for label %q", l)
		}
		parts = append(parts, v)
	}
	return tensor.ConcatLast(parts...), nil
}

// labelIndices returns the flat coordinate indices covered by want, with
// labels laid out in the declared order.
func labelIndices(order []string, sizes map[string]int, want []string) []int {
	wanted := make(map[string]bool, len(want))
	for _, l := range want {
		wanted[l] = true
	}
	var idx []int
	off := 0
	for _, l := range order {
		p := sizes[l]
		if wanted[l] {
			for j := 0; j < p; j++ {
				idx = append(idx, off+j)
			}
		}
		off += p
	}
	return idx
}

func checkLabels(labels []string, sizes map[string]int) error {
	for _, l := range labels {
		if _, ok := sizes[l]; !ok {
			return boederr.Newf(boederr.LabelMismatch, "label %q not declared in guide size map", l)
		}
	}
	return nil
}

// eyeInit returns init * I expanded over the batch shape.
func eyeInit(init float64, batch []int, p int) *tensor.Tensor {
	return tensor.Expand(tensor.Scale(tensor.Eye(p), init), shapeOf(batch, p, p)...)
}

// linGaussBlock is the shared linear-Gaussian parameter family: a learned
// regressor mapping observations to a posterior mean, plus a learned
// lower-triangular scale factor, per target label. The posterior, sigmoid
// and normal-inverse-gamma guides all draw their Gaussian parameters from
// this block.
type linGaussBlock struct {
	store         *infer.Store
	prefix        string
	batch         []int
	wSizes        map[string]int
	ySize         int
	regressorInit float64
	scaleTrilInit float64
	useSoftplus   bool
}

func (b *linGaussBlock) params(y *tensor.Tensor, targetLabels []string) (map[string]*tensor.Tensor, map[string]*tensor.Tensor, error) {
	if err := checkLabels(targetLabels, b.wSizes); err != nil {
		return nil, nil, err
	}
	mu := make(map[string]*tensor.Tensor, len(targetLabels))
	scaleTril := make(map[string]*tensor.Tensor, len(targetLabels))
	for _, l := range targetLabels {
		p := b.wSizes[l]
		reg := b.store.Param(b.prefix+".regressor."+l,
			tensor.Full(b.regressorInit, shapeOf(b.batch, p, b.ySize)...), infer.Real)
		if b.useSoftplus {
			reg = tensor.Softplus(reg)
		}
		mu[l] = tensor.MatVec(reg, y)
		raw := b.store.Param(b.prefix+".scale_tril."+l,
			eyeInit(b.scaleTrilInit, b.batch, p), infer.Real)
		scaleTril[l] = tensor.Tril(raw)
	}
	return mu, scaleTril, nil
}

// LinearGaussianGuide is the posterior family for linear models: a full
// multivariate Gaussian over each target label whose mean is a learned
// linear (optionally softplus-rectified) function of the observations.
type LinearGaussianGuide struct {
	block linGaussBlock
}

// LinearGaussianOption adjusts initialization and rectification.
type LinearGaussianOption func(*linGaussBlock)

// WithRegressorInit sets the initial regressor entries.
func WithRegressorInit(v float64) LinearGaussianOption {
	return func(b *linGaussBlock) { b.regressorInit = v }
}

// WithScaleTrilInit sets the initial diagonal of the scale factor.
func WithScaleTrilInit(v float64) LinearGaussianOption {
	return func(b *linGaussBlock) { b.scaleTrilInit = v }
}

// WithSoftplus toggles the softplus rectification of the regressor.
func WithSoftplus(enabled bool) LinearGaussianOption {
	return func(b *linGaussBlock) { b.useSoftplus = enabled }
}

// NewLinearGaussianGuide builds the guide. batch is the design batch shape
// the parameters are expanded over; wSizes and ySizes give per-label target
// and observation dimensions.
func NewLinearGaussianGuide(store *infer.Store, prefix string, batch []int, wSizes, ySizes map[string]int, opts ...LinearGaussianOption) *LinearGaussianGuide {
	g := &LinearGaussianGuide{block: linGaussBlock{
		store:         store,
		prefix:        prefix,
		batch:         append([]int(nil), batch...),
		wSizes:        wSizes,
		ySize:         sumSizes(ySizes),
		regressorInit: 0,
		scaleTrilInit: 3,
		useSoftplus:   true,
	}}
	for _, opt := range opts {
		opt(&g.block)
	}
	return g
}

func (g *LinearGaussianGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}
	mu, scaleTril, err := g.block.params(yc, targetLabels)
	if err != nil {
		return err
	}
	for _, l := range targetLabels {
		ctx.Sample(l, &dists.MultivariateNormal{Loc: mu[l], ScaleTril: scaleTril[l]})
	}
	return nil
}

// SigmoidTransformGuide is the posterior family for sigmoid-response
// models: observations in (0, 1) are logit-transformed, after which the
// linear-Gaussian formula applies unchanged.
type SigmoidTransformGuide struct {
	block   linGaussBlock
	epsilon float64
}

// NewSigmoidTransformGuide builds the guide with the same parameters as the
// linear-Gaussian family.
func NewSigmoidTransformGuide(store *infer.Store, prefix string, batch []int, wSizes, ySizes map[string]int, opts ...LinearGaussianOption) *SigmoidTransformGuide {
	g := &SigmoidTransformGuide{
		block: linGaussBlock{
			store:         store,
			prefix:        prefix,
			batch:         append([]int(nil), batch...),
			wSizes:        wSizes,
			ySize:         sumSizes(ySizes),
			regressorInit: 0,
			scaleTrilInit: 3,
			useSoftplus:   true,
		},
		epsilon: math.Exp2(-24),
	}
	for _, opt := range opts {
		opt(&g.block)
	}
	return g
}

func (g *SigmoidTransformGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}
	// Inside the censoring limits the sigmoid is invertible; clamping
	// keeps the boundary atoms finite under the logit.
	eps := g.epsilon
	clamped := tensor.Apply(yc, func(v float64) float64 {
		if v < eps {
			return eps
		}
		if v > 1-eps {
			return 1 - eps
		}
		return v
	})
	yt := tensor.Sub(tensor.Log(clamped),
		tensor.Log(tensor.Sub(tensor.Ones(clamped.Shape()...), clamped)))
	mu, scaleTril, err := g.block.params(yt, targetLabels)
	if err != nil {
		return err
	}
	for _, l := range targetLabels {
		ctx.Sample(l, &dists.MultivariateNormal{Loc: mu[l], ScaleTril: scaleTril[l]})
	}
	return nil
}

// SigmoidLocationGuide is the posterior family for location finding under a
// censored sigmoid response. Interior observations are inverted exactly
// through the response curve; the two censored atoms get their own learned
// mean offsets and scale factors, blended in by masks.
type SigmoidLocationGuide struct {
	store         *infer.Store
	prefix        string
	batch         []int
	label         string
	p             int
	multiplier    *tensor.Tensor
	priorMean     *tensor.Tensor
	scaleTrilInit float64
	epsilon       float64
}

// NewSigmoidLocationGuide builds the guide for a single target label of
// size p. multiplier is the known slope vector of the response; priorMean
// anchors the posterior mean where the data is uninformative.
func NewSigmoidLocationGuide(store *infer.Store, prefix string, batch []int, label string, p int, scaleTrilInit float64, multiplier, priorMean *tensor.Tensor) *SigmoidLocationGuide {
	return &SigmoidLocationGuide{
		store:         store,
		prefix:        prefix,
		batch:         append([]int(nil), batch...),
		label:         label,
		p:             p,
		multiplier:    multiplier,
		priorMean:     priorMean,
		scaleTrilInit: scaleTrilInit,
		epsilon:       math.Exp2(-24),
	}
}

func (g *SigmoidLocationGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if len(targetLabels) != 1 || targetLabels[0] != g.label {
		return boederr.Newf(boederr.LabelMismatch, "location guide serves label %q, asked for %v", g.label, targetLabels)
	}
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}

	testPoint := tensor.SumAxis(tensor.Mul(design, g.multiplier), -1)

	eps := g.epsilon
	mask0 := tensor.Apply(yc, func(v float64) float64 {
		if v <= eps {
			return 1
		}
		return 0
	})
	mask1 := tensor.Apply(yc, func(v float64) float64 {
		if 1-v <= eps {
			return 1
		}
		return 0
	})
	// Clamp before the logit: the censored atoms are handled by their own
	// offset and scale parameters, so the inverted value there only needs
	// to stay finite.
	clamped := tensor.Apply(yc, func(v float64) float64 {
		if v < eps {
			return eps
		}
		if v > 1-eps {
			return 1 - eps
		}
		return v
	})
	yTrans := tensor.Sub(tensor.Log(clamped), tensor.Log(tensor.Sub(tensor.Ones(clamped.Shape()...), clamped)))
	eta := tensor.Sub(testPoint, yTrans)

	weights := g.store.Param(g.prefix+".weights", tensor.New(shapeOf(g.batch, g.p)...), infer.Real)
	offset0 := g.store.Param(g.prefix+".mean_offset.0", tensor.New(shapeOf(g.batch, g.p)...), infer.Real)
	offset1 := g.store.Param(g.prefix+".mean_offset.1", tensor.New(shapeOf(g.batch, g.p)...), infer.Real)
	st0 := g.store.Param(g.prefix+".scale_tril.0", eyeInit(g.scaleTrilInit, g.batch, g.p), infer.Real)
	st1 := g.store.Param(g.prefix+".scale_tril.1", eyeInit(g.scaleTrilInit, g.batch, g.p), infer.Real)
	st2 := g.store.Param(g.prefix+".scale_tril.2", eyeInit(g.scaleTrilInit, g.batch, g.p), infer.Real)

	one := tensor.Ones(weights.Shape()...)
	mu := tensor.Add(tensor.Mul(weights, eta), tensor.Mul(tensor.Sub(one, weights), g.priorMean))
	mu = tensor.Add(mu, tensor.Add(tensor.Mul(offset0, mask0), tensor.Mul(offset1, mask1)))

	m0 := tensor.Unsqueeze(mask0, -1)
	m1 := tensor.Unsqueeze(mask1, -1)
	st := st1
	st = tensor.Add(st, tensor.Mul(tensor.Sub(st0, st), m0))
	st = tensor.Add(st, tensor.Mul(tensor.Sub(st2, st), m1))
	st = tensor.Tril(st)

	ctx.Sample(g.label, &dists.MultivariateNormal{Loc: mu, ScaleTril: st})
	return nil
}

// LogisticGuide is the posterior family for binary observations: two full
// parameter sets per label, one used where y = 0 and one where y = 1.
type LogisticGuide struct {
	store         *infer.Store
	prefix        string
	batch         []int
	wSizes        map[string]int
	muInit        float64
	scaleTrilInit float64
}

// NewLogisticGuide builds the guide.
func NewLogisticGuide(store *infer.Store, prefix string, batch []int, wSizes map[string]int) *LogisticGuide {
	return &LogisticGuide{
		store:         store,
		prefix:        prefix,
		batch:         append([]int(nil), batch...),
		wSizes:        wSizes,
		muInit:        0,
		scaleTrilInit: 3,
	}
}

func (g *LogisticGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(targetLabels, g.wSizes); err != nil {
		return err
	}
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}
	one := tensor.Ones(yc.Shape()...)
	notY := tensor.Sub(one, yc)
	yu := tensor.Unsqueeze(yc, -1)
	notYu := tensor.Unsqueeze(notY, -1)

	for _, l := range targetLabels {
		p := g.wSizes[l]
		mu0 := g.store.Param(g.prefix+".mu0."+l, tensor.Full(g.muInit, shapeOf(g.batch, p)...), infer.Real)
		mu1 := g.store.Param(g.prefix+".mu1."+l, tensor.Full(g.muInit, shapeOf(g.batch, p)...), infer.Real)
		st0 := g.store.Param(g.prefix+".scale_tril0."+l, eyeInit(g.scaleTrilInit, g.batch, p), infer.Real)
		st1 := g.store.Param(g.prefix+".scale_tril1."+l, eyeInit(g.scaleTrilInit, g.batch, p), infer.Real)

		mu := tensor.Add(tensor.Mul(notY, mu0), tensor.Mul(yc, mu1))
		st := tensor.Add(tensor.Mul(notYu, tensor.Tril(st0)), tensor.Mul(yu, tensor.Tril(st1)))
		ctx.Sample(l, &dists.MultivariateNormal{Loc: mu, ScaleTril: st})
	}
	return nil
}

// NormalInverseGammaGuide is the conjugate-style posterior family for
// linear models with unknown precision: a Gamma posterior over the
// precision label and Gaussians over the coefficients, optionally coupled
// through the sampled observation scale.
type NormalInverseGammaGuide struct {
	block        linGaussBlock
	tauLabel     string
	alphaInit    float64
	b0Init       float64
	meanField    bool
	correctGamma bool
}

// NormalInverseGammaOption adjusts the family.
type NormalInverseGammaOption func(*NormalInverseGammaGuide)

// WithMeanField decouples the coefficient scale from the sampled precision.
func WithMeanField(enabled bool) NormalInverseGammaOption {
	return func(g *NormalInverseGammaGuide) { g.meanField = enabled }
}

// WithGammaCorrection turns on the data-dependent rate update
// beta = b0 + (yᵀy − yᵀXmu)/2 instead of treating the rate as a constant.
func WithGammaCorrection(enabled bool) NormalInverseGammaOption {
	return func(g *NormalInverseGammaGuide) { g.correctGamma = enabled }
}

// WithGammaInit sets the initial shape and rate parameters.
func WithGammaInit(alpha, b0 float64) NormalInverseGammaOption {
	return func(g *NormalInverseGammaGuide) {
		g.alphaInit = alpha
		g.b0Init = b0
	}
}

// NewNormalInverseGammaGuide builds the guide; tauLabel names the precision
// site.
func NewNormalInverseGammaGuide(store *infer.Store, prefix string, batch []int, wSizes, ySizes map[string]int, tauLabel string, opts ...NormalInverseGammaOption) *NormalInverseGammaGuide {
	g := &NormalInverseGammaGuide{
		block: linGaussBlock{
			store:         store,
			prefix:        prefix,
			batch:         append([]int(nil), batch...),
			wSizes:        wSizes,
			ySize:         sumSizes(ySizes),
			regressorInit: 0,
			scaleTrilInit: 3,
			useSoftplus:   true,
		},
		tauLabel:  tauLabel,
		alphaInit: 10,
		b0Init:    10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *NormalInverseGammaGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}
	coeffLabels := make([]string, 0, len(targetLabels))
	wantTau := false
	for _, l := range targetLabels {
		if l == g.tauLabel {
			wantTau = true
			continue
		}
		coeffLabels = append(coeffLabels, l)
	}
	mu, scaleTril, err := g.block.params(yc, coeffLabels)
	if err != nil {
		return err
	}

	alpha := g.block.store.Param(g.block.prefix+".alpha", tensor.Full(g.alphaInit, g.block.batch...), infer.Positive)
	b0 := g.block.store.Param(g.block.prefix+".b0", tensor.Full(g.b0Init, g.block.batch...), infer.Positive)

	beta := b0
	if g.correctGamma {
		muVec, err := concatLabels(mu, coeffLabels)
		if err != nil {
			return err
		}
		yty := tensor.Dot(yc, yc)
		ytxmu := tensor.Dot(yc, tensor.MatVec(design, muVec))
		beta = tensor.Add(b0, tensor.Scale(tensor.Sub(yty, ytxmu), 0.5))
	}

	var obsSD *tensor.Tensor
	if wantTau {
		tau := ctx.Sample(g.tauLabel, &dists.Gamma{
			Conc:  tensor.Unsqueeze(alpha, -1),
			Rate:  tensor.Unsqueeze(beta, -1),
			Event: 1,
		})
		obsSD = tensor.Unsqueeze(tensor.Pow(tau, -0.5), -1)
	}

	for _, l := range coeffLabels {
		st := scaleTril[l]
		if !g.meanField && obsSD != nil {
			st = tensor.Mul(st, obsSD)
		}
		ctx.Sample(l, &dists.MultivariateNormal{Loc: mu[l], ScaleTril: st})
	}
	return nil
}

// LogisticExtrapolationGuide is the posterior family for binary targets of
// a logistic extrapolation problem: an independent Bernoulli per target
// whose logits switch on the binary observation.
type LogisticExtrapolationGuide struct {
	store       *infer.Store
	prefix      string
	batch       []int
	targetSizes map[string]int
}

// NewLogisticExtrapolationGuide builds the guide.
func NewLogisticExtrapolationGuide(store *infer.Store, prefix string, batch []int, targetSizes map[string]int) *LogisticExtrapolationGuide {
	return &LogisticExtrapolationGuide{
		store:       store,
		prefix:      prefix,
		batch:       append([]int(nil), batch...),
		targetSizes: targetSizes,
	}
}

func (g *LogisticExtrapolationGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if err := checkLabels(targetLabels, g.targetSizes); err != nil {
		return err
	}
	yc, err := concatLabels(y, obsLabels)
	if err != nil {
		return err
	}
	one := tensor.Ones(yc.Shape()...)
	notY := tensor.Sub(one, yc)
	for _, l := range targetLabels {
		p := g.targetSizes[l]
		logit0 := g.store.Param(g.prefix+".logit0."+l, tensor.New(shapeOf(g.batch, p)...), infer.Real)
		logit1 := g.store.Param(g.prefix+".logit1."+l, tensor.New(shapeOf(g.batch, p)...), infer.Real)
		logits := tensor.Add(tensor.Mul(yc, logit1), tensor.Mul(notY, logit0))
		ctx.Sample(l, &dists.Bernoulli{Logits: logits, Event: 1})
	}
	return nil
}
