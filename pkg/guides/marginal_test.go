package guides_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/boed/internal/testutil"
	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/guides"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

func TestNormalMarginalGuideShapes(t *testing.T) {
	store := infer.NewStore()
	g := guides.NewNormalMarginalGuide(store, "nm", []int{4}, map[string]int{"y": 3})

	trace, err := infer.Capture(testutil.RNG(1), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, tensor.Ones(4, 3, 2), []string{"y"}, nil)
	})
	require.NoError(t, err)
	testutil.AssertShape(t, trace.Value("y"), 4, 3)

	err = func() error {
		_, err := infer.Capture(testutil.RNG(1), nil, func(ctx *infer.Context) error {
			return g.Run(ctx, tensor.Ones(4, 3, 2), []string{"z"}, nil)
		})
		return err
	}()
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.LabelMismatch))
}

func TestNormalLikelihoodGuideCentersOnPredictor(t *testing.T) {
	store := infer.NewStore()
	g := guides.NewNormalLikelihoodGuide(store, "nl", nil,
		map[string]int{"w": 2}, []string{"w"}, map[string]int{"y": 2})

	theta := map[string]*tensor.Tensor{"w": tensor.FromSlice([]float64{1, -1}, 2)}
	yObs := tensor.FromSlice([]float64{1, -1}, 2) // equals the predictor for the identity design

	trace, err := infer.Capture(testutil.RNG(3), map[string]*tensor.Tensor{"y": yObs}, func(ctx *infer.Context) error {
		return g.Run(ctx, theta, tensor.Eye(2), []string{"y"}, []string{"w"})
	})
	require.NoError(t, err)
	trace.ComputeLogProb()

	// with zero-initialized mu the density peaks at the predictor:
	// N(Xw, 3I) at its own mean
	want := -0.5 * (2*math.Log(9) + 2*math.Log(2*math.Pi))
	assert.InDelta(t, want, trace.SumLogProb([]string{"y"}).Item(), 1e-9)
}

func TestSigmoidMarginalGuideRejectsVectorObservations(t *testing.T) {
	store := infer.NewStore()
	_, err := guides.NewSigmoidMarginalGuide(store, "sm", nil, map[string]int{"y": 3})
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.LabelMismatch))
}

func TestSigmoidMarginalGuideSamplesUnitInterval(t *testing.T) {
	store := infer.NewStore()
	g, err := guides.NewSigmoidMarginalGuide(store, "sm", []int{50}, map[string]int{"y": 1})
	require.NoError(t, err)

	trace, err := infer.Capture(testutil.RNG(8), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, tensor.Ones(50, 1, 2), []string{"y"}, nil)
	})
	require.NoError(t, err)
	for _, v := range trace.Value("y").Data() {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestSigmoidMarginalGuideNaNParameter(t *testing.T) {
	store := infer.NewStore()
	g, err := guides.NewSigmoidMarginalGuide(store, "sm", nil, map[string]int{"y": 1})
	require.NoError(t, err)

	// register, then poison the mean
	_, err = infer.Capture(testutil.RNG(8), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, tensor.Ones(1, 2), []string{"y"}, nil)
	})
	require.NoError(t, err)
	require.NoError(t, store.Replace("sm.mu.y", tensor.FromSlice([]float64{math.NaN()}, 1)))

	_, err = infer.Capture(testutil.RNG(8), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, tensor.Ones(1, 2), []string{"y"}, nil)
	})
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.NumericalInstability))
}

func TestSigmoidLikelihoodGuideShapes(t *testing.T) {
	store := infer.NewStore()
	g, err := guides.NewSigmoidLikelihoodGuide(store, "sl", []int{3},
		map[string]int{"w": 2}, []string{"w"}, map[string]int{"y": 1})
	require.NoError(t, err)

	theta := map[string]*tensor.Tensor{"w": tensor.Ones(3, 2)}
	trace, err := infer.Capture(testutil.RNG(5), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, theta, tensor.Ones(3, 1, 2), []string{"y"}, []string{"w"})
	})
	require.NoError(t, err)
	testutil.AssertShape(t, trace.Value("y"), 3, 1)
}

func TestLogisticMarginalGuideBinary(t *testing.T) {
	store := infer.NewStore()
	g := guides.NewLogisticMarginalGuide(store, "lm", []int{10}, map[string]int{"y": 1})

	trace, err := infer.Capture(testutil.RNG(6), nil, func(ctx *infer.Context) error {
		return g.Run(ctx, tensor.Ones(10, 1, 2), []string{"y"}, nil)
	})
	require.NoError(t, err)
	for _, v := range trace.Value("y").Data() {
		assert.True(t, v == 0 || v == 1)
	}
}

func TestLogisticLikelihoodGuideMixtureProbabilities(t *testing.T) {
	store := infer.NewStore()
	g := guides.NewLogisticLikelihoodGuide(store, "ll", nil,
		map[string]int{"w": 2}, []string{"w"}, map[string]int{"y": 1})

	theta := map[string]*tensor.Tensor{"w": tensor.FromSlice([]float64{5, 5}, 2)}
	yObs := tensor.FromSlice([]float64{1}, 1)
	trace, err := infer.Capture(testutil.RNG(7), map[string]*tensor.Tensor{"y": yObs}, func(ctx *infer.Context) error {
		return g.Run(ctx, theta, tensor.Ones(1, 1, 2), []string{"y"}, []string{"w"})
	})
	require.NoError(t, err)
	trace.ComputeLogProb()

	// strongly positive predictor: log p(y=1) close to 0, and finite
	lp := trace.SumLogProb([]string{"y"}).Data()
	require.Len(t, lp, 1)
	assert.Less(t, lp[0], 0.0)
	assert.Greater(t, lp[0], -0.2)
}

func TestDonskerVaradhanScore(t *testing.T) {
	store := infer.NewStore()
	guide := guides.NewLinearGaussianGuide(store, "dv", []int{2},
		map[string]int{"w": 2}, map[string]int{"y": 2})
	dv := &guides.DonskerVaradhan{Guide: guide}

	model := func(ctx *infer.Context, design *tensor.Tensor) error {
		batch := design.Shape()[:design.Rank()-2]
		wShape := append(append([]int(nil), batch...), 2)
		w := ctx.Sample("w", &dists.Normal{Loc: tensor.New(wShape...), Scale: tensor.Ones(wShape...), Event: 1})
		mean := tensor.MatVec(design, w)
		ctx.Sample("y", &dists.Normal{Loc: mean, Scale: tensor.Ones(mean.Shape()...), Event: 1})
		return nil
	}

	design := tensor.Ones(2, 2, 2)
	rng := testutil.RNG(9)
	trace, err := infer.Run(model, design, rng)
	require.NoError(t, err)

	score, err := dv.Score(rng, design, trace, []string{"y"}, []string{"w"})
	require.NoError(t, err)
	testutil.AssertShape(t, score, 2)
	testutil.AssertFinite(t, score)
}
