package guides

import (
	"gonum.org/v1/gonum/mat"

	"github.com/inferlab/boed/pkg/dists"
	boederr "github.com/inferlab/boed/pkg/errors"
	"github.com/inferlab/boed/pkg/infer"
	"github.com/inferlab/boed/pkg/tensor"
)

// LaplaceGuide is a two-phase posterior approximation. While training it is
// a point-mass family whose means are fitted to the MAP; Finalize then
// differentiates the loss twice to obtain the per-label curvature and turns
// each point mass into a Gaussian with the inverse-Hessian covariance.
type LaplaceGuide struct {
	store     *infer.Store
	prefix    string
	batch     []int
	wSizes    map[string]int
	order     []string
	initValue float64

	training   bool
	scaleTrils map[string]*tensor.Tensor
}

// NewLaplaceGuide builds the guide in training mode. tauLabel optionally
// names a scalar precision site appended to the target set.
func NewLaplaceGuide(store *infer.Store, prefix string, batch []int, wSizes map[string]int, labels []string, tauLabel string, initValue float64) *LaplaceGuide {
	sizes := make(map[string]int, len(wSizes)+1)
	for l, p := range wSizes {
		sizes[l] = p
	}
	order := append([]string(nil), labels...)
	if tauLabel != "" {
		sizes[tauLabel] = 1
		order = append(order, tauLabel)
	}
	return &LaplaceGuide{
		store:      store,
		prefix:     prefix,
		batch:      append([]int(nil), batch...),
		wSizes:     sizes,
		order:      order,
		initValue:  initValue,
		training:   true,
		scaleTrils: make(map[string]*tensor.Tensor),
	}
}

// Training reports whether the guide is still in its point-mass phase.
func (g *LaplaceGuide) Training() bool { return g.training }

func (g *LaplaceGuide) mean(label string) *tensor.Tensor {
	p := g.wSizes[label]
	return g.store.Param(g.prefix+".mean."+label,
		tensor.Full(g.initValue, shapeOf(g.batch, p)...), infer.Real)
}

// Run samples the current approximation. The observation dict is unused:
// the family is not amortized, its state comes entirely from training.
func (g *LaplaceGuide) Run(ctx *infer.Context, y map[string]*tensor.Tensor, design *tensor.Tensor, obsLabels, targetLabels []string) error {
	if targetLabels == nil {
		targetLabels = g.order
	}
	if err := checkLabels(targetLabels, g.wSizes); err != nil {
		return err
	}
	for _, l := range targetLabels {
		if g.training {
			ctx.Sample(l, &dists.Delta{V: g.mean(l), Event: 1})
			continue
		}
		st, ok := g.scaleTrils[l]
		if !ok {
			return boederr.Newf(boederr.NotFinalized, "no curvature for label %q; call Finalize first", l)
		}
		ctx.Sample(l, &dists.MultivariateNormal{Loc: g.mean(l), ScaleTril: st})
	}
	return nil
}

// hessianDiag computes the dense Hessian block of a scalar loss with
// respect to one mean parameter of shape batch + (p,), one row at a time
// through a differentiable first gradient.
func hessianDiag(loss, mu *tensor.Tensor, batch []int, p int) *tensor.Tensor {
	dy := tensor.Grad(loss, []*tensor.Tensor{mu}, true)[0]

	rows := 1
	for _, b := range batch {
		rows *= b
	}
	hess := make([]float64, rows*p*p)
	for i := 0; i < p; i++ {
		// Batch elements touch disjoint mean slices, so summing the i-th
		// component over the batch still yields exact per-batch rows.
		si := tensor.Sum(tensor.SelectLast(dy, []int{i}))
		hi := tensor.Grad(si, []*tensor.Tensor{mu}, false)[0]
		for r := 0; r < rows; r++ {
			for j := 0; j < p; j++ {
				hess[r*p*p+i*p+j] = hi.Data()[r*p+j]
			}
		}
	}
	return tensor.FromSlice(hess, shapeOf(batch, p, p)...)
}

// Finalize computes the inverse-Hessian Gaussian for each target label and
// switches the guide out of training mode. loss must be the scalar
// training objective evaluated at the current means.
func (g *LaplaceGuide) Finalize(loss *tensor.Tensor, targetLabels []string) error {
	if targetLabels == nil {
		targetLabels = g.order
	}
	if err := checkLabels(targetLabels, g.wSizes); err != nil {
		return err
	}
	for _, l := range targetLabels {
		p := g.wSizes[l]
		mu := g.store.Leaf(g.prefix + ".mean." + l)
		if mu == nil {
			return boederr.Newf(boederr.NotFinalized, "mean for label %q never trained", l)
		}
		hess := hessianDiag(loss, mu, g.batch, p)

		rows := hess.Size() / (p * p)
		out := make([]float64, rows*p*p)
		hd := hess.Data()
		for r := 0; r < rows; r++ {
			sym := mat.NewSymDense(p, nil)
			for i := 0; i < p; i++ {
				for j := i; j < p; j++ {
					sym.SetSym(i, j, 0.5*(hd[r*p*p+i*p+j]+hd[r*p*p+j*p+i]))
				}
			}
			var chol mat.Cholesky
			if !chol.Factorize(sym) {
				return boederr.WithFields(
					boederr.New(boederr.NumericalInstability, "loss curvature not positive definite"),
					boederr.Fields{"label": l, "batch_index": r})
			}
			var cov mat.SymDense
			if err := chol.InverseTo(&cov); err != nil {
				return boederr.Wrap(err, boederr.NumericalInstability, "hessian inversion failed")
			}
			var covChol mat.Cholesky
			if !covChol.Factorize(&cov) {
				return boederr.WithFields(
					boederr.New(boederr.NumericalInstability, "inverse curvature not positive definite"),
					boederr.Fields{"label": l, "batch_index": r})
			}
			var lt mat.TriDense
			covChol.LTo(&lt)
			for i := 0; i < p; i++ {
				for j := 0; j <= i; j++ {
					out[r*p*p+i*p+j] = lt.At(i, j)
				}
			}
		}
		g.scaleTrils[l] = tensor.FromSlice(out, shapeOf(g.batch, p, p)...)
	}
	g.training = false
	return nil
}
