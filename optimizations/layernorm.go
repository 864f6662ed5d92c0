package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each column of a (d x T) activation matrix and
// applies a learned affine transform.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)

	// cache for backprop
	lastInput *mat.Dense
	xhat      *mat.Dense
	invStd    []float64
}

func NewLayerNorm(name string, d int, eps float64) *LayerNorm {
	g := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		g.Set(i, 0, 1.0)
	}
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: NewParam(name+".gamma", g, true),
		Beta:  NewParam(name+".beta", mat.NewDense(d, 1, nil), true),
	}
}

func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.W.At(i, 0)*n+ln.Beta.W.At(i, 0))
		}
	}
	ln.lastInput = X
	ln.xhat = xhat
	ln.invStd = inv
	return out
}

// Backward accumulates gamma/beta gradients and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.invStd[t]
		meanDxhat := 0.0
		meanDxhatXhat := 0.0
		for i := 0; i < d; i++ {
			dxh := ln.Gamma.W.At(i, 0) * dY.At(i, t)
			xh := ln.xhat.At(i, t)
			meanDxhat += dxh
			meanDxhatXhat += dxh * xh

			ln.Gamma.G.Set(i, 0, ln.Gamma.G.At(i, 0)+dY.At(i, t)*xh)
			ln.Beta.G.Set(i, 0, ln.Beta.G.At(i, 0)+dY.At(i, t))
		}
		meanDxhat /= float64(d)
		meanDxhatXhat /= float64(d)
		for i := 0; i < d; i++ {
			dxh := ln.Gamma.W.At(i, 0) * dY.At(i, t)
			xh := ln.xhat.At(i, t)
			dX.Set(i, t, istd*(dxh-meanDxhat-xh*meanDxhatXhat))
		}
	}
	return dX
}
