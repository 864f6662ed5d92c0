package transformer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// Attention is multi-head scaled dot-product attention over column-major
// activations. Queries come from X; keys and values come from ctx, which is
// X itself for self-attention or the encoder output for cross-attention.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wq, Wk, Wv []*optimizations.Param // (dHead x dModel) per head
	Wo         *optimizations.Param   // (dModel x dModel)

	// cache for backprop
	x, ctx   *mat.Dense
	selfAttn bool
	q, k, v  []*mat.Dense
	a        []*mat.Dense // post-softmax scores (Tq x Tk)
	oCat     *mat.Dense
}

func NewAttention(name string, dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("attention: dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wq:     make([]*optimizations.Param, nHeads),
		Wk:     make([]*optimizations.Param, nHeads),
		Wv:     make([]*optimizations.Param, nHeads),
		q:      make([]*mat.Dense, nHeads),
		k:      make([]*mat.Dense, nHeads),
		v:      make([]*mat.Dense, nHeads),
		a:      make([]*mat.Dense, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wq[h] = optimizations.NewParam(headName(name, "wq", h), mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))), false)
		attn.Wk[h] = optimizations.NewParam(headName(name, "wk", h), mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))), false)
		attn.Wv[h] = optimizations.NewParam(headName(name, "wv", h), mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel))), false)
	}
	attn.Wo = optimizations.NewParam(name+".wo", mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel))), false)
	return attn
}

func headName(name, w string, h int) string {
	return fmt.Sprintf("%s.%s%d", name, w, h)
}

func (a *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 3*a.H+1)
	for h := 0; h < a.H; h++ {
		out = append(out, a.Wq[h], a.Wk[h], a.Wv[h])
	}
	return append(out, a.Wo)
}

// Forward computes attention of X over ctx. Pass ctx == nil for
// self-attention. mask is additive over (Tq x Tk) scores and may be nil.
func (a *Attention) Forward(X, ctx, mask *mat.Dense) *mat.Dense {
	a.x = X
	a.selfAttn = ctx == nil
	if a.selfAttn {
		ctx = X
	}
	a.ctx = ctx
	_, Tq := X.Dims()

	rescale := 1.0 / math.Sqrt(float64(a.DHead))
	oCat := mat.NewDense(a.DModel, Tq, nil)
	for h := 0; h < a.H; h++ {
		a.q[h] = utils.Dot(a.Wq[h].W, X)
		a.k[h] = utils.Dot(a.Wk[h].W, ctx)
		a.v[h] = utils.Dot(a.Wv[h].W, ctx)

		scores := utils.Scale(rescale, utils.Dot(a.q[h].T(), a.k[h]))
		a.a[h] = utils.RowSoftmaxMasked(scores, mask)
		o := utils.Dot(a.v[h], a.a[h].T()) // (dHead x Tq)
		for i := 0; i < a.DHead; i++ {
			for t := 0; t < Tq; t++ {
				oCat.Set(h*a.DHead+i, t, o.At(i, t))
			}
		}
	}
	a.oCat = oCat
	return utils.Dot(a.Wo.W, oCat)
}

// Backward accumulates weight gradients and returns the gradient wrt the
// query input and (for cross-attention) the context. For self-attention the
// context contribution is folded into dX and dCtx is nil.
func (a *Attention) Backward(dY *mat.Dense) (dX, dCtx *mat.Dense) {
	dX = utils.ZerosLike(a.x)
	dC := utils.ZerosLike(a.ctx)

	a.Wo.AccumGrad(utils.Dot(dY, a.oCat.T()))
	dOcat := utils.Dot(a.Wo.W.T(), dY)

	rescale := 1.0 / math.Sqrt(float64(a.DHead))
	_, Tq := a.x.Dims()
	for h := 0; h < a.H; h++ {
		dO := mat.NewDense(a.DHead, Tq, nil)
		for i := 0; i < a.DHead; i++ {
			for t := 0; t < Tq; t++ {
				dO.Set(i, t, dOcat.At(h*a.DHead+i, t))
			}
		}

		dV := utils.Dot(dO, a.a[h])                                     // (dHead x Tk)
		dA := utils.Dot(dO.T(), a.v[h])                                 // (Tq x Tk)
		dS := utils.Scale(rescale, utils.SoftmaxBackward(dA, a.a[h]))   // (Tq x Tk)
		dQ := utils.Dot(a.k[h], dS.T())                                 // (dHead x Tq)
		dK := utils.Dot(a.q[h], dS)                                     // (dHead x Tk)

		a.Wq[h].AccumGrad(utils.Dot(dQ, a.x.T()))
		a.Wk[h].AccumGrad(utils.Dot(dK, a.ctx.T()))
		a.Wv[h].AccumGrad(utils.Dot(dV, a.ctx.T()))

		dX.Add(dX, utils.Dot(a.Wq[h].W.T(), dQ))
		dC.Add(dC, utils.Dot(a.Wk[h].W.T(), dK))
		dC.Add(dC, utils.Dot(a.Wv[h].W.T(), dV))
	}

	if a.selfAttn {
		dX.Add(dX, dC)
		return dX, nil
	}
	return dX, dC
}
