package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// LayerFF is the T5-style norm + feed-forward stage: pre-norm, ReLU MLP and
// a residual connection, no dropout. The latent decoder reuses it to settle
// reconstructed encodings before they re-enter the decoder stack.
type LayerFF struct {
	Norm *optimizations.LayerNorm
	Wi   *Linear // d -> hidden
	Wo   *Linear // hidden -> d

	preAct *mat.Dense
}

func NewLayerFF(name string, d, hidden int) *LayerFF {
	return &LayerFF{
		Norm: optimizations.NewLayerNorm(name+".norm", d, 1e-6),
		Wi:   NewLinear(name+".wi", d, hidden),
		Wo:   NewLinear(name+".wo", hidden, d),
	}
}

func (f *LayerFF) Params() []*optimizations.Param {
	out := f.Norm.Params()
	out = append(out, f.Wi.Params()...)
	return append(out, f.Wo.Params()...)
}

func (f *LayerFF) Forward(X *mat.Dense) *mat.Dense {
	normed := f.Norm.Forward(X)
	f.preAct = f.Wi.Forward(normed)
	hidden := utils.Apply(utils.ReluApply, f.preAct)
	return utils.Add(X, f.Wo.Forward(hidden))
}

func (f *LayerFF) Backward(dY *mat.Dense) *mat.Dense {
	dHidden := f.Wo.Backward(dY)
	dPre := utils.Multiply(dHidden, utils.ReluPrime(f.preAct))
	dNormed := f.Wi.Backward(dPre)
	dX := f.Norm.Backward(dNormed)
	return utils.Add(dY, dX)
}
