package main

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"github.com/inferlab/boed/pkg/config"
	"github.com/inferlab/boed/pkg/dists"
	"github.com/inferlab/boed/pkg/eig"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/glm"
	"github.com/inferlab/boed/pkg/guides"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/logging"
	"github.com/inferlab/boed/pkg/tensor"
)

// concatRows stacks two design blocks along the trial axis (axis -2).
// Shapes must agree everywhere else.
func concatRows(a, b *tensor.Tensor) *tensor.Tensor {
	as, bs := a.Shape(), b.Shape()
	inner := as[len(as)-1]
	n1, n2 := as[len(as)-2], bs[len(bs)-2]
	outer := a.Size() / (n1 * inner)

	shape := append([]int(nil), as...)
	shape[len(shape)-2] = n1 + n2
	out := tensor.New(shape...)
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for o := 0; o < outer; o++ {
		copy(od[o*(n1+n2)*inner:], ad[o*n1*inner:(o+1)*n1*inner])
		copy(od[(o*(n1+n2)+n1)*inner:], bd[o*n2*inner:(o+1)*n2*inner])
	}
	return out
}

// elboGuide returns the mean-field variational family for the regression
// posterior: Normal factors on the weights and on the noise scale, with
// store-held locations and positive scales that persist across rounds.
func elboGuide(store *infer.Store, p int, scale float64) infer.Model {
	return func(ctx *infer.Context, design *tensor.Tensor) error {
		wLoc := store.Param("w_loc", tensor.New(p), infer.Real)
		wScale := store.Param("w_scale", tensor.Full(scale, p), infer.Positive)
		sigmaLoc := store.Param("sigma_loc", tensor.Ones(1), infer.Real)
		sigmaScale := store.Param("sigma_scale", tensor.Full(scale, 1), infer.Positive)

		batch := design.Shape()[:design.Rank()-2]
		wShape := append(append([]int(nil), batch...), p)
		ctx.Sample("w", &dists.Normal{
			Loc:   tensor.Expand(wLoc, wShape...),
			Scale: tensor.Expand(wScale, wShape...),
			Event: 1,
		})
		sShape := append(append([]int(nil), batch...), 1)
		ctx.Sample("sigma", &dists.Normal{
			Loc:   tensor.Expand(sigmaLoc, sShape...),
			Scale: tensor.Expand(sigmaScale, sShape...),
			Event: 1,
		})
		return nil
	}
}

// runStrategy executes one full iterated-design rollout: per round, optimize
// a design by the chosen gradient estimator, observe responses under the
// ground truth, refit the posterior on all data so far by ELBO ascent, and
// carry the fitted parameters into the next round's model.
func runStrategy(cfg *config.Config, strategy string, rec *recorder, seed uint64) error {
	ex := cfg.Experiment
	gr := cfg.Gradient
	logger := logging.GetLogger()

	rng := rand.New(rand.NewSource(seed))
	store := infer.NewStore()
	runID := uuid.NewString()
	rec.startRun(runID, strategy, seed)
	logger.Info("run %s strategy %s seed %d", runID, strategy, seed)

	p, n, b := ex.P, ex.N, ex.NumParallel
	proto := tensor.New(b, n, p)
	targets := []string{"w", "sigma"}
	obs := []string{"y"}
	wSizes := map[string]int{"w": p, "sigma": 1}
	ySizes := map[string]int{"y": n}

	// Current beliefs; start at the prior and get replaced by each
	// round's variational fit.
	wLoc := tensor.New(p)
	wScale := tensor.Full(ex.Scale, p)
	sigmaScale := tensor.Full(ex.Scale, 1)

	trueData := map[string]*tensor.Tensor{
		"w":     tensor.Expand(tensor.FromSlice(ex.TrueWeights, p), b, p),
		"sigma": tensor.Full(ex.TrueSigma, b, 1),
	}
	prior := glm.NewRegressionModel(tensor.New(p), tensor.Full(ex.Scale, p), tensor.Full(ex.Scale, 1)).Model()
	guideFn := elboGuide(store, p, ex.Scale)

	var dStar, ys *tensor.Tensor
	for round := 0; round < ex.Steps; round++ {
		start := time.Now()
		model := glm.NewRegressionModel(wLoc, wScale, sigmaScale).Model()

		xiInit := tensor.Apply(tensor.RandU(rng, b, n, p), func(u float64) float64 {
			return gr.DesignInitScale*u + gr.DesignInitOffset
		})
		store.Param("xi", xiInit, infer.Real)
		if err := store.Replace("xi", xiInit); err != nil {
			return err
		}
		learned := eig.LearnDesign(store, "xi", xiInit, model)

		var loss eig.LossFn
		maximizing := true
		switch strategy {
		case "pce-grad":
			loss = eig.NegLoss(eig.NCELoss(learned, obs, targets, gr.ContrastSamples, 0))
		case "ace-grad":
			guide := guides.NewLinearGaussianGuide(store, "ace", []int{b}, wSizes, ySizes)
			loss = eig.NegLoss(eig.ACELoss(learned, guide, gr.ContrastSamples, obs, targets, 0))
		case "posterior-grad":
			guide := guides.NewLinearGaussianGuide(store, "post", []int{b}, wSizes, ySizes)
			loss = eig.PosteriorLoss(learned, guide, obs, targets, 0)
			maximizing = false
		default:
			return boederr.Newf(boederr.BadConfig, "unknown strategy %q", strategy)
		}

		opt := infer.NewAdam(gr.StartLR)
		sched := infer.NewExpDecay(opt, infer.GammaOver(gr.StartLR, gr.EndLR, gr.Steps))
		estimate, err := eig.OptimizeLoss(store, proto, loss, gr.NumSamples, gr.Steps, opt, sched, nil, gr.FinalNumSamples, rng)
		if err != nil {
			return err
		}
		estMean := stat.Mean(estimate.Data(), nil)
		if maximizing {
			// NegLoss reports the negated bound.
			estMean = -estMean
		}

		dRound := store.Get("xi").Clone()
		var y *tensor.Tensor
		tensor.NoGrad(func() {
			var trace *infer.Trace
			trace, err = infer.Run(infer.Condition(model, trueData), dRound, rng)
			if err == nil {
				y = trace.Value("y").Clone()
			}
		})
		if err != nil {
			return err
		}

		if dStar == nil {
			dStar, ys = dRound, y
		} else {
			dStar = concatRows(dStar, dRound)
			ys = tensor.ConcatLast(ys, y)
		}

		elboOpt := infer.NewAdam(cfg.ELBO.LR)
		err = eig.ELBOLearn(store, prior, dStar, targets,
			map[string]*tensor.Tensor{"y": ys}, cfg.ELBO.NumSamples, cfg.ELBO.Steps, guideFn, elboOpt, rng)
		if err != nil {
			return err
		}
		wLoc = store.Get("w_loc").Clone()
		wScale = store.Get("w_scale").Clone()
		sigmaScale = store.Get("sigma_scale").Clone()

		elapsed := time.Since(start).Seconds()
		rec.record(roundRecord{
			RunID: runID, Step: round,
			Design: dRound, Y: y,
			WLoc: wLoc, WScale: wScale, SigmaScale: sigmaScale,
			Estimate: estMean, DesignSeconds: elapsed,
		})
		logger.Info("round %d/%d estimate %.4f elapsed %.1fs", round+1, ex.Steps, estMean, elapsed)
	}
	return nil
}
