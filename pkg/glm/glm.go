// Package glm provides the generative-model factories the estimators are
// exercised with: Gaussian linear models with known prior scales, the
// sparse regression model of the iterated-design rollout, and logistic and
// sigmoid response variants. It also carries the closed-form posterior
// covariance and ground-truth EIG for the linear-Gaussian case.
package glm

import (
	"math"

	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// LinearModel is a Gaussian linear model with independent Normal priors of
// known scale on each target label and homoscedastic Normal observations:
//
//	w_l ~ Normal(0, WSds[l])          for l in Labels
//	y   ~ Normal(design · w, ObsSD)
//
// The declared label order fixes the column layout of the design matrix.
type LinearModel struct {
	Labels           []string
	WSds             map[string][]float64
	ObsSD            float64
	ObservationLabel string
}

// NewLinearModel builds a linear model; label order is preserved.
func NewLinearModel(labels []string, wSds map[string][]float64, obsSD float64) (*LinearModel, error) {
	if len(labels) == 0 {
		return nil, boederr.New(boederr.LabelMismatch, "linear model needs at least one target label")
	}
	for _, l := range labels {
		if len(wSds[l]) == 0 {
			return nil, boederr.Newf(boederr.LabelMismatch, "no prior sds declared for label %q", l)
		}
	}
	return &LinearModel{
		Labels:           labels,
		WSds:             wSds,
		ObsSD:            obsSD,
		ObservationLabel: "y",
	}, nil
}

// WSizes returns the per-label weight dimensionalities.
func (m *LinearModel) WSizes() map[string]int {
	out := make(map[string]int, len(m.Labels))
	for _, l := range m.Labels {
		out[l] = len(m.WSds[l])
	}
	return out
}

// TotalSize returns the summed weight dimension across labels.
func (m *LinearModel) TotalSize() int {
	total := 0
	for _, l := range m.Labels {
		total += len(m.WSds[l])
	}
	return total
}

// Indices returns the design-column indices covered by the given labels,
// following the declared label order (the get_indices convention).
func (m *LinearModel) Indices(labels []string) []int {
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	var idx []int
	off := 0
	for _, l := range m.Labels {
		p := len(m.WSds[l])
		if want[l] {
			for j := 0; j < p; j++ {
				idx = append(idx, off+j)
			}
		}
		off += p
	}
	return idx
}

// Model returns the traced generative program. The design is NaN/Inf
// checked before any sampling happens.
func (m *LinearModel) Model() infer.Model {
	return func(ctx *infer.Context, design *tensor.Tensor) error {
		if err := infer.CheckDesign(design); err != nil {
			return err
		}
		batch := design.Shape()[:design.Rank()-2]

		parts := make([]*tensor.Tensor, 0, len(m.Labels))
		for _, l := range m.Labels {
			sds := m.WSds[l]
			p := len(sds)
			loc := tensor.New(append(append([]int(nil), batch...), p)...)
			scale := tensor.Expand(tensor.FromSlice(sds, p), loc.Shape()...)
			w := ctx.Sample(l, &dists.Normal{Loc: loc, Scale: scale, Event: 1})
			parts = append(parts, w)
		}
		w := tensor.ConcatLast(parts...)
		mean := tensor.MatVec(design, w)
		sd := tensor.Full(m.ObsSD, mean.Shape()...)
		ctx.Sample(m.ObservationLabel, &dists.Normal{Loc: mean, Scale: sd, Event: 1})
		return nil
	}
}

// RegressionModel is the sparse-regression model of the iterated-design
// rollout: a Laplace prior on the weights, an Exponential prior on the
// noise scale, Normal observations.
type RegressionModel struct {
	WLoc             *tensor.Tensor // (p,)
	WScale           *tensor.Tensor // (p,)
	SigmaScale       *tensor.Tensor // scalar
	ObservationLabel string
}

// NewRegressionModel builds the rollout regression model.
func NewRegressionModel(wLoc, wScale, sigmaScale *tensor.Tensor) *RegressionModel {
	return &RegressionModel{WLoc: wLoc, WScale: wScale, SigmaScale: sigmaScale, ObservationLabel: "y"}
}

// TargetLabels returns the latent labels in sampling order.
func (m *RegressionModel) TargetLabels() []string { return []string{"w", "sigma"} }

// WSizes returns the per-label target dimensionalities.
func (m *RegressionModel) WSizes() map[string]int {
	return map[string]int{"w": m.WLoc.Dim(-1), "sigma": 1}
}

// Model returns the traced generative program.
func (m *RegressionModel) Model() infer.Model {
	return func(ctx *infer.Context, design *tensor.Tensor) error {
		if err := infer.CheckDesign(design); err != nil {
			return err
		}
		batch := design.Shape()[:design.Rank()-2]
		p := m.WLoc.Dim(-1)

		wShape := append(append([]int(nil), batch...), p)
		w := ctx.Sample("w", &dists.Laplace{
			Loc:   tensor.Expand(m.WLoc, wShape...),
			Scale: tensor.Expand(m.WScale, wShape...),
			Event: 1,
		})
		sShape := append(append([]int(nil), batch...), 1)
		sigma := ctx.Sample("sigma", &dists.Exponential{
			Rate:  tensor.Expand(m.SigmaScale, sShape...),
			Event: 1,
		})
		sd := tensor.AddScalar(sigma, 1e-6)

		mean := tensor.MatVec(design, w)
		ctx.Sample(m.ObservationLabel, &dists.Normal{Loc: mean, Scale: sd, Event: 1})
		return nil
	}
}

// LogisticModel has Normal weight priors and Bernoulli observations with
// logits given by the linear predictor.
type LogisticModel struct {
	WLoc             *tensor.Tensor // (p,)
	WScale           *tensor.Tensor // (p,)
	ObservationLabel string
}

// Model returns the traced generative program.
func (m *LogisticModel) Model() infer.Model {
	return func(ctx *infer.Context, design *tensor.Tensor) error {
		if err := infer.CheckDesign(design); err != nil {
			return err
		}
		batch := design.Shape()[:design.Rank()-2]
		p := m.WLoc.Dim(-1)
		wShape := append(append([]int(nil), batch...), p)
		w := ctx.Sample("w", &dists.Normal{
			Loc:   tensor.Expand(m.WLoc, wShape...),
			Scale: tensor.Expand(m.WScale, wShape...),
			Event: 1,
		})
		logits := tensor.MatVec(design, w)
		ctx.Sample(m.ObservationLabel, &dists.Bernoulli{Logits: logits, Event: 1})
		return nil
	}
}

// SigmoidModel pushes the linear predictor through a censored sigmoid
// response, the non-reparametrizable case the score-function estimators
// are exercised on.
type SigmoidModel struct {
	WLoc             *tensor.Tensor // (p,)
	WScale           *tensor.Tensor // (p,)
	ObsSD            float64
	Epsilon          float64
	ObservationLabel string
}

// Model returns the traced generative program.
func (m *SigmoidModel) Model() infer.Model {
	eps := m.Epsilon
	if eps == 0 {
		eps = math.Exp2(-22)
	}
	return func(ctx *infer.Context, design *tensor.Tensor) error {
		if err := infer.CheckDesign(design); err != nil {
			return err
		}
		batch := design.Shape()[:design.Rank()-2]
		p := m.WLoc.Dim(-1)
		wShape := append(append([]int(nil), batch...), p)
		w := ctx.Sample("w", &dists.Normal{
			Loc:   tensor.Expand(m.WLoc, wShape...),
			Scale: tensor.Expand(m.WScale, wShape...),
			Event: 1,
		})
		mean := tensor.MatVec(design, w)
		sd := tensor.Full(m.ObsSD, mean.Shape()...)
		ctx.Sample(m.ObservationLabel, &dists.CensoredSigmoidNormal{
			Loc: mean, Scale: sd,
			UpperLim: 1 - eps, LowerLim: eps,
			Event: 1,
		})
		return nil
	}
}
