package guides

import (
	"golang.org/x/exp/rand"

	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// DonskerVaradhan turns a posterior guide into a critic for the
// Donsker-Varadhan bound through the relation
//
//	T(d, theta, y) = log q(theta | y, d) - log p(theta)
//
// so that training the critic is training the underlying guide.
type DonskerVaradhan struct {
	Guide PosteriorGuide
}

// Score evaluates the critic on every sample of a model trace. The guide
// is traced with the targets clamped to the model's draws, so its
// log-density is evaluated exactly at those points.
func (t *DonskerVaradhan) Score(rng *rand.Rand, design *tensor.Tensor, tr *infer.Trace, obsLabels, targetLabels []string) (*tensor.Tensor, error) {
	tr.ComputeLogProb()
	priorLP := tr.SumLogProb(targetLabels)

	y := tr.Values(obsLabels)
	theta := tr.Values(targetLabels)

	condTrace, err := infer.Capture(rng, theta, func(ctx *infer.Context) error {
		return t.Guide.Run(ctx, y, design, obsLabels, targetLabels)
	})
	if err != nil {
		return nil, err
	}
	condTrace.ComputeLogProb()
	posteriorLP := condTrace.SumLogProb(targetLabels)

	return tensor.Sub(posteriorLP, priorLP), nil
}
