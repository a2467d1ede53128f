package eig

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/tensor"
)

func TestSafeMeanFinite(t *testing.T) {
	terms := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	agg, perBatch, err := safeMean(terms)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 4}, perBatch.Data())
	assert.InDelta(t, 7, agg.Item(), 1e-12)
}

func TestSafeMeanMasksNonFinite(t *testing.T) {
	terms := tensor.FromSlice([]float64{
		1, math.NaN(),
		3, 10,
		math.Inf(1), 20,
	}, 3, 2)

	_, perBatch, err := safeMean(terms)
	require.NoError(t, err)

	// column 0 averages {1, 3}; column 1 averages {10, 20}
	assert.Equal(t, []float64{2, 15}, perBatch.Data())
}

func TestSafeMeanAllBadColumnFails(t *testing.T) {
	terms := tensor.FromSlice([]float64{
		1, math.NaN(),
		2, math.Inf(-1),
	}, 2, 2)

	_, _, err := safeMean(terms)
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.NumericalInstability))
}

func TestSafeMeanGradientSkipsMasked(t *testing.T) {
	terms := tensor.FromSlice([]float64{1, math.NaN(), 3}, 3, 1).RequireGrad()

	agg, _, err := safeMean(terms)
	require.NoError(t, err)
	tensor.Backward(agg)

	// two finite entries, each weighted 1/2; the masked entry gets nothing
	assert.Equal(t, []float64{0.5, 0, 0.5}, terms.Grad().Data())
}

func TestScoreCorrectedWithoutScore(t *testing.T) {
	terms := tensor.FromSlice([]float64{1, 2}, 2)
	assert.Equal(t, terms, scoreCorrected(terms, nil, 5))
}

func TestScoreCorrectedValues(t *testing.T) {
	terms := tensor.FromSlice([]float64{2, 4}, 2)
	score := tensor.FromSlice([]float64{10, 100}, 2)

	// value = terms + (terms - cv) * score
	got := scoreCorrected(terms, score, 1)
	assert.Equal(t, []float64{2 + 1*10, 4 + 3*100}, got.Data())
}

func TestScoreCorrectedStopsTermGradientThroughScoreTerm(t *testing.T) {
	terms := tensor.FromSlice([]float64{2}, 1).RequireGrad()
	score := tensor.FromSlice([]float64{3}, 1)

	out := scoreCorrected(terms, score, 0)
	tensor.Backward(tensor.Sum(out))

	// only the pathwise part differentiates through terms; the score term
	// sees a detached copy
	assert.Equal(t, []float64{1}, terms.Grad().Data())
}

func TestContrastNormalizeInvariantToContrastOrder(t *testing.T) {
	cond := tensor.FromSlice([]float64{-1.2, -0.4, -2.5}, 3)
	contrast := tensor.FromSlice([]float64{
		-0.8, -1.1, -0.3,
		-2.0, -0.5, -1.7,
		-0.1, -3.2, -0.9,
		-1.5, -0.2, -2.8,
	}, 4, 3)
	shuffled := tensor.FromSlice([]float64{
		-0.1, -3.2, -0.9,
		-1.5, -0.2, -2.8,
		-0.8, -1.1, -0.3,
		-2.0, -0.5, -1.7,
	}, 4, 3)

	a := contrastNormalize(cond, contrast, 4)
	b := contrastNormalize(cond, shuffled, 4)
	for i := range a.Data() {
		assert.InDelta(t, a.Data()[i], b.Data()[i], 1e-12)
	}
}

func TestContrastNormalizeLogM1(t *testing.T) {
	// all m+1 competitors equally likely: the normalized marginal equals
	// the shared log-likelihood exactly
	cond := tensor.Full(-1.5, 2)
	contrast := tensor.Full(-1.5, 5, 2)

	out := contrastNormalize(cond, contrast, 5)
	for _, v := range out.Data() {
		assert.InDelta(t, -1.5, v, 1e-12)
	}
}

func TestNegLossFlipsBothOutputs(t *testing.T) {
	loss := LossFn(func(design *tensor.Tensor, n int, eval bool, _ *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
		return tensor.Scalar(2), tensor.Scalar(3), nil
	})

	surrogate, estimate, err := NegLoss(loss)(tensor.Ones(1, 1), 1, true, nil)
	require.NoError(t, err)
	assert.InDelta(t, -2, surrogate.Item(), 1e-12)
	assert.InDelta(t, -3, estimate.Item(), 1e-12)
}

func TestLExpandValuesPrependsSampleDim(t *testing.T) {
	vals := map[string]*tensor.Tensor{"y": tensor.Ones(4, 2)}
	out := lexpandValues(vals, 3)
	assert.Equal(t, []int{3, 4, 2}, out["y"].Shape())
}
