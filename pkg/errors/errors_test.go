package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	boederr "github.com/inferlab/boed/pkg/errors"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := boederr.New(boederr.InvalidDesign, "design contains NaN")
	assert.Equal(t, "design contains NaN", err.Error())

	var e *boederr.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, boederr.InvalidDesign, e.Code())
}

func TestNewfFormats(t *testing.T) {
	err := boederr.Newf(boederr.ShapeMismatch, "design rank %d, want >= %d", 1, 2)
	assert.Equal(t, "design rank 1, want >= 2", err.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := boederr.Wrap(cause, boederr.BadConfig, "reading config file")

	assert.Equal(t, "reading config file: disk full", err.Error())
	assert.True(t, stderrors.Is(err, cause))
	assert.Nil(t, boederr.Wrap(nil, boederr.BadConfig, "ignored"))
}

func TestWithFieldsRendersSorted(t *testing.T) {
	err := boederr.WithFields(
		boederr.New(boederr.NumericalInstability, "loss is NaN"),
		boederr.Fields{"step": 3, "lr": 0.1})

	assert.Equal(t, "loss is NaN [lr=0.1 step=3]", err.Error())
}

func TestWithFieldsMerges(t *testing.T) {
	err := boederr.WithFields(
		boederr.New(boederr.LabelMismatch, "unknown label"),
		boederr.Fields{"label": "w"})
	err = boederr.WithFields(err, boederr.Fields{"site": "guide"})

	var e *boederr.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, boederr.LabelMismatch, e.Code())
	assert.Equal(t, boederr.Fields{"label": "w", "site": "guide"}, e.Fields())
}

func TestWithFieldsOnForeignError(t *testing.T) {
	cause := stderrors.New("boom")
	err := boederr.WithFields(cause, boederr.Fields{"op": "solve"})

	var e *boederr.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, boederr.Unknown, e.Code())
	assert.True(t, stderrors.Is(err, cause))
}

func TestFieldsReturnsCopy(t *testing.T) {
	err := boederr.WithFields(
		boederr.New(boederr.BadConfig, "bad"),
		boederr.Fields{"k": 1})

	var e *boederr.Error
	require.True(t, stderrors.As(err, &e))
	e.Fields()["k"] = 2
	assert.Equal(t, boederr.Fields{"k": 1}, e.Fields())
}

func TestIsMatchesByCode(t *testing.T) {
	err := boederr.New(boederr.NotFinalized, "guide not finalized")
	assert.True(t, stderrors.Is(err, boederr.New(boederr.NotFinalized, "")))
	assert.False(t, stderrors.Is(err, boederr.New(boederr.BadConfig, "")))
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := boederr.New(boederr.NumericalInstability, "no finite terms")
	outer := fmt.Errorf("estimating: %w", inner)

	assert.True(t, boederr.HasCode(outer, boederr.NumericalInstability))
	assert.False(t, boederr.HasCode(outer, boederr.InvalidDesign))
	assert.False(t, boederr.HasCode(nil, boederr.InvalidDesign))
	assert.False(t, boederr.HasCode(stderrors.New("plain"), boederr.InvalidDesign))
}

func TestCodeStrings(t *testing.T) {
	assert.Equal(t, "InvalidDesign", boederr.InvalidDesign.String())
	assert.Equal(t, "NumericalInstability", boederr.NumericalInstability.String())
	assert.Equal(t, "Unknown", boederr.Unknown.String())
}
