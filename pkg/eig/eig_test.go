package eig_test

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/boed/internal/testutil"
	"github.com/inferlab/boed/pkg/dists"
	"github.com/inferlab/boed/pkg/eig"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/glm"
	"github.com/inferlab/boed/pkg/guides"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// unitLinearModel is the 2-d conjugate benchmark: unit prior, unit noise.
// For the identity design its EIG is exactly log 2.
func unitLinearModel(t *testing.T) *glm.LinearModel {
	t.Helper()
	m, err := glm.NewLinearModel([]string{"w"}, map[string][]float64{"w": {1, 1}}, 1)
	require.NoError(t, err)
	return m
}

// exactPosteriorGuide seeds a linear-Gaussian guide with the analytic
// posterior map for the identity design: N(y/2, I/2).
func exactPosteriorGuide(store *infer.Store) *guides.LinearGaussianGuide {
	store.Param("lg.regressor.w", tensor.Scale(tensor.Eye(2), 0.5), infer.Real)
	store.Param("lg.scale_tril.w", tensor.Scale(tensor.Eye(2), math.Sqrt(0.5)), infer.Real)
	return guides.NewLinearGaussianGuide(store, "lg", nil,
		map[string]int{"w": 2}, map[string]int{"y": 2}, guides.WithSoftplus(false))
}

func TestNMCMatchesAnalyticEIG(t *testing.T) {
	m := unitLinearModel(t)
	design := tensor.Eye(2)

	est, err := eig.NMC(m.Model(), design, []string{"y"}, []string{"w"}, 800, 400, testutil.RNG(1))
	require.NoError(t, err)

	testutil.AssertShape(t, est)
	assert.InDelta(t, math.Log(2), est.Item(), 0.12)
}

func TestNMCBatchShape(t *testing.T) {
	m := unitLinearModel(t)
	design := tensor.Ones(3, 2, 2)

	est, err := eig.NMC(m.Model(), design, []string{"y"}, []string{"w"}, 50, 20, testutil.RNG(2))
	require.NoError(t, err)
	testutil.AssertShape(t, est, 3)
	testutil.AssertFinite(t, est)
}

func TestMCPriorEntropyMatchesAnalytic(t *testing.T) {
	m := unitLinearModel(t)

	h, err := eig.MCPriorEntropy(m.Model(), tensor.Eye(2), []string{"w"}, 4000, testutil.RNG(3))
	require.NoError(t, err)

	want, err := m.PriorEntropy([]string{"w"})
	require.NoError(t, err)
	testutil.AssertShape(t, h)
	assert.InDelta(t, want, h.Item(), 0.1)
}

func TestNCELossZeroForUninformativeDesign(t *testing.T) {
	m := unitLinearModel(t)
	loss := eig.NCELoss(m.Model(), []string{"y"}, []string{"w"}, 3, 0)

	// a zero design makes y independent of w, so every competitor has the
	// same likelihood and each contrastive term vanishes exactly
	_, est, err := loss(tensor.New(2, 2), 10, true, testutil.RNG(4))
	require.NoError(t, err)
	assert.InDelta(t, 0, est.Item(), 1e-9)
}

func TestNCELossPositiveAndBounded(t *testing.T) {
	m := unitLinearModel(t)
	mContrast := 100
	loss := eig.NCELoss(m.Model(), []string{"y"}, []string{"w"}, mContrast, 0)

	_, est, err := loss(tensor.Eye(2), 500, true, testutil.RNG(5))
	require.NoError(t, err)

	assert.Greater(t, est.Item(), 0.3)
	assert.LessOrEqual(t, est.Item(), math.Log(float64(mContrast+1))+1e-9)
	assert.InDelta(t, math.Log(2), est.Item(), 0.15)
}

func TestNCELossUpperBoundSmallM(t *testing.T) {
	m := unitLinearModel(t)
	loss := eig.NCELoss(m.Model(), []string{"y"}, []string{"w"}, 3, 0)

	// the outer theta is one of the m+1 competitors, so no term can exceed
	// log(m+1)
	_, est, err := loss(tensor.Eye(2), 200, true, testutil.RNG(6))
	require.NoError(t, err)
	assert.LessOrEqual(t, est.Item(), math.Log(4)+1e-9)
}

func TestPosteriorLossExactGuideGivesPosteriorEntropy(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := exactPosteriorGuide(store)

	loss := eig.PosteriorLoss(m.Model(), guide, []string{"y"}, []string{"w"}, 0)
	_, ape, err := loss(tensor.Eye(2), 4000, true, testutil.RNG(7))
	require.NoError(t, err)

	// entropy of N(mu, I/2)
	want := math.Log(2*math.Pi*math.E) + 0.5*math.Log(0.25)
	assert.InDelta(t, want, ape.Item(), 0.1)
}

func TestVariationalPosteriorEIGExactGuide(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := exactPosteriorGuide(store)

	h, err := m.PriorEntropy([]string{"w"})
	require.NoError(t, err)

	// numSteps 0 skips training entirely and evaluates the seeded guide
	est, err := eig.VariationalPosteriorEIG(tensor.Scalar(h), store, m.Model(), guide,
		tensor.Eye(2), []string{"y"}, []string{"w"}, 10, 0,
		infer.NewAdam(0.1), nil, 4000, testutil.RNG(8))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), est.Item(), 0.1)
}

func TestVariationalPosteriorEIGTrainsGuide(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := guides.NewLinearGaussianGuide(store, "vp", nil,
		map[string]int{"w": 2}, map[string]int{"y": 2}, guides.WithSoftplus(false))

	h, err := m.PriorEntropy([]string{"w"})
	require.NoError(t, err)

	opt := infer.NewAdam(0.1)
	sched := infer.NewExpDecay(opt, infer.GammaOver(0.1, 0.01, 300))
	est, err := eig.VariationalPosteriorEIG(tensor.Scalar(h), store, m.Model(), guide,
		tensor.Eye(2), []string{"y"}, []string{"w"}, 10, 300,
		opt, sched, 2000, testutil.RNG(9))
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), est.Item(), 0.2)
}

func TestOptimizeLossQuadraticConverges(t *testing.T) {
	store := infer.NewStore()
	loss := eig.LossFn(func(design *tensor.Tensor, n int, eval bool, _ *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		x := store.Param("x", tensor.FromSlice([]float64{5}, 1), infer.Real)
		diff := tensor.AddScalar(x, -3)
		s := tensor.Sum(tensor.Mul(diff, diff))
		return s, s.Detach(), nil
	})

	est, err := eig.OptimizeLoss(store, tensor.Ones(1, 1), loss, 1, 300,
		infer.NewAdam(0.1), nil, nil, 0, testutil.RNG(10))
	require.NoError(t, err)

	assert.InDelta(t, 3, store.Get("x").Item(), 1e-2)
	assert.InDelta(t, 0, est.Item(), 1e-3)
}

func TestOptimizeLossFailsFastOnNaN(t *testing.T) {
	store := infer.NewStore()
	loss := eig.LossFn(func(design *tensor.Tensor, n int, eval bool, _ *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		store.Param("x", tensor.Ones(1), infer.Real)
		s := tensor.Scalar(math.NaN())
		return s, s, nil
	})

	_, err := eig.OptimizeLoss(store, tensor.Ones(1, 1), loss, 1, 5,
		infer.NewAdam(0.1), nil, nil, 0, testutil.RNG(11))
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.NumericalInstability))
}

func TestLearnDesignOptimizesNCE(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()

	init := tensor.Scale(tensor.Ones(2, 2), 0.1)
	learned := eig.LearnDesign(store, "xi", init, m.Model())
	loss := eig.NegLoss(eig.NCELoss(learned, []string{"y"}, []string{"w"}, 10, 0))

	est, err := eig.OptimizeLoss(store, tensor.Ones(2, 2), loss, 20, 10,
		infer.NewAdam(0.05), nil, nil, 100, testutil.RNG(12))
	require.NoError(t, err)
	testutil.AssertFinite(t, est)

	moved := false
	for _, v := range store.Get("xi").Data() {
		if math.Abs(v-0.1) > 1e-6 {
			moved = true
		}
	}
	assert.True(t, moved, "design parameter never updated")
}

func TestELBOLearnRecoversConjugatePosterior(t *testing.T) {
	m, err := glm.NewLinearModel([]string{"w"}, map[string][]float64{"w": {1}}, 1)
	require.NoError(t, err)

	store := infer.NewStore()
	guide := func(ctx *infer.Context, design *tensor.Tensor) error {
		batch := design.Shape()[:design.Rank()-2]
		loc := store.Param("w_loc", tensor.New(1), infer.Real)
		scale := store.Param("w_scale", tensor.Ones(1), infer.Positive)
		shape := append(append([]int(nil), batch...), 1)
		ctx.Sample("w", &dists.Normal{
			Loc:   tensor.Expand(loc, shape...),
			Scale: tensor.Expand(scale, shape...),
			Event: 1,
		})
		return nil
	}

	// four unit trials observing y = 2: posterior is N(8/5, 1/5)
	design := tensor.Ones(4, 1)
	data := map[string]*tensor.Tensor{"y": tensor.Full(2, 4)}
	err = eig.ELBOLearn(store, m.Model(), design, []string{"w"}, data,
		10, 800, guide, infer.NewAdam(0.05), testutil.RNG(13))
	require.NoError(t, err)

	assert.InDelta(t, 1.6, store.Get("w_loc").Item(), 0.25)
	assert.InDelta(t, math.Sqrt(0.2), store.Get("w_scale").Item(), 0.15)
}

func TestACELossEstimateAndGuideGradient(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := guides.NewLinearGaussianGuide(store, "ace", nil,
		map[string]int{"w": 2}, map[string]int{"y": 2})

	loss := eig.ACELoss(m.Model(), guide, 5, []string{"y"}, []string{"w"}, 0)

	_, est, err := loss(tensor.Eye(2), 50, true, testutil.RNG(14))
	require.NoError(t, err)
	testutil.AssertShape(t, est)
	testutil.AssertFinite(t, est)

	store.ZeroGrad()
	surrogate, _, err := loss(tensor.Eye(2), 30, false, testutil.RNG(15))
	require.NoError(t, err)
	tensor.Backward(surrogate)
	require.NotNil(t, store.Leaf("ace.regressor.w").Grad(), "guide received no gradient")
}

func TestProposalNCELossFinite(t *testing.T) {
	m := unitLinearModel(t)
	loss := eig.ProposalNCELoss(m.Model(), m.Model(), []string{"y"}, []string{"w"}, 5, 0)

	_, est, err := loss(tensor.Eye(2), 50, true, testutil.RNG(16))
	require.NoError(t, err)
	testutil.AssertShape(t, est)
	testutil.AssertFinite(t, est)
}

func TestSaddleMarginalLossOutputs(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := guides.NewNormalMarginalGuide(store, "nm", nil, map[string]int{"y": 2})

	loss := eig.SaddleMarginalLoss(m.Model(), guide, []string{"y"}, []string{"w"}, 0)
	dLoss, qLoss, est, err := loss(tensor.Eye(2), 40, true, testutil.RNG(17))
	require.NoError(t, err)

	testutil.AssertFinite(t, dLoss)
	testutil.AssertFinite(t, qLoss)
	testutil.AssertShape(t, est)
	testutil.AssertFinite(t, est)
}

func TestSaddleDesignLossLeavesGuideUntouched(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := guides.NewNormalMarginalGuide(store, "nm", nil, map[string]int{"y": 2})

	loss := eig.SaddleMarginalLoss(m.Model(), guide, []string{"y"}, []string{"w"}, 0)
	dLoss, qLoss, _, err := loss(tensor.Eye(2), 30, false, testutil.RNG(21))
	require.NoError(t, err)

	store.ZeroGrad()
	tensor.Backward(qLoss)
	mu := store.Leaf("nm.mu.y")
	st := store.Leaf("nm.scale_tril.y")
	require.NotNil(t, mu.Grad(), "guide loss must reach the marginal mean")
	require.NotNil(t, st.Grad(), "guide loss must reach the marginal scale")

	// the design loss ascends the information term; if it reached the
	// guide parameters it would step them against the fit the guide loss
	// just applied
	store.ZeroGrad()
	tensor.Backward(tensor.Neg(dLoss))
	assert.Nil(t, mu.Grad())
	assert.Nil(t, st.Grad())
}

func TestSaddleDesignGradientFlowsThroughScore(t *testing.T) {
	store := infer.NewStore()
	model := &glm.LogisticModel{WLoc: tensor.New(2), WScale: tensor.Ones(2), ObservationLabel: "y"}
	learned := eig.LearnDesign(store, "xi", tensor.Ones(1, 2), model.Model())
	guide := guides.NewLogisticMarginalGuide(store, "lm", nil, map[string]int{"y": 1})

	loss := eig.SaddleMarginalLoss(learned, guide, []string{"y"}, []string{"w"}, 0)
	dLoss, _, _, err := loss(tensor.Ones(1, 2), 40, false, testutil.RNG(22))
	require.NoError(t, err)

	store.ZeroGrad()
	tensor.Backward(tensor.Neg(dLoss))
	assert.NotNil(t, store.Leaf("xi").Grad(), "design must receive the score-function gradient")
	assert.Nil(t, store.Leaf("lm.logits.y").Grad())
}

func TestMarginalGradientEIGRuns(t *testing.T) {
	m := unitLinearModel(t)
	store := infer.NewStore()
	guide := guides.NewNormalMarginalGuide(store, "nm", nil, map[string]int{"y": 2})

	loss := eig.SaddleMarginalLoss(m.Model(), guide, []string{"y"}, []string{"w"}, 0)
	est, err := eig.MarginalGradientEIG(store, tensor.Eye(2), loss, 20, 15, 5,
		infer.NewAdam(0.05), nil, nil, 200, testutil.RNG(18))
	require.NoError(t, err)
	testutil.AssertShape(t, est)
	testutil.AssertFinite(t, est)
}

func TestSequentialPosteriorContraction(t *testing.T) {
	// two rounds of fixed designs with ELBO refits from the original prior:
	// the fitted mean must move toward the generating weights
	trueW := tensor.FromSlice([]float64{1, -2}, 2)
	m, err := glm.NewLinearModel([]string{"w"}, map[string][]float64{"w": {1, 1}}, 0.5)
	require.NoError(t, err)

	rng := testutil.RNG(19)
	store := infer.NewStore()
	guide := func(ctx *infer.Context, design *tensor.Tensor) error {
		batch := design.Shape()[:design.Rank()-2]
		loc := store.Param("w_loc", tensor.New(2), infer.Real)
		scale := store.Param("w_scale", tensor.Ones(2), infer.Positive)
		shape := append(append([]int(nil), batch...), 2)
		ctx.Sample("w", &dists.Normal{
			Loc:   tensor.Expand(loc, shape...),
			Scale: tensor.Expand(scale, shape...),
			Event: 1,
		})
		return nil
	}

	design := tensor.FromSlice([]float64{1, 0, 0, 1, 1, 1, 1, -1}, 4, 2)
	var yObs *tensor.Tensor
	tensor.NoGrad(func() {
		trace, terr := infer.Run(infer.Condition(m.Model(), map[string]*tensor.Tensor{"w": trueW}), design, rng)
		require.NoError(t, terr)
		yObs = trace.Value("y").Clone()
	})

	err = eig.ELBOLearn(store, m.Model(), design, []string{"w"},
		map[string]*tensor.Tensor{"y": yObs}, 10, 600, guide, infer.NewAdam(0.05), rng)
	require.NoError(t, err)

	priorDist := math.Hypot(1, 2)
	fitted := store.Get("w_loc").Data()
	fittedDist := math.Hypot(fitted[0]-1, fitted[1]+2)
	assert.Less(t, fittedDist, 0.5*priorDist)

	// the posterior scale must tighten below the prior's unit scale
	for _, s := range store.Get("w_scale").Data() {
		assert.Less(t, s, 1.0)
	}
}
