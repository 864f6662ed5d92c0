package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// Linear applies W*X + b column-wise over a (in x T) activation matrix.
type Linear struct {
	In, Out int
	W       *optimizations.Param // (out x in)
	B       *optimizations.Param // (out x 1), nil when bias-free

	lastInput *mat.Dense
}

func NewLinear(name string, in, out int) *Linear {
	l := NewLinearNoBias(name, in, out)
	l.B = optimizations.NewParam(name+".b", mat.NewDense(out, 1, nil), true)
	return l
}

func NewLinearNoBias(name string, in, out int) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   optimizations.NewParam(name+".w", mat.NewDense(out, in, utils.RandomArray(out*in, float64(in))), false),
	}
}

func (l *Linear) Params() []*optimizations.Param {
	if l.B == nil {
		return []*optimizations.Param{l.W}
	}
	return []*optimizations.Param{l.W, l.B}
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	l.lastInput = X
	out := utils.Dot(l.W.W, X)
	if l.B != nil {
		out = utils.AddBias(out, l.B.W)
	}
	return out
}

// Backward accumulates weight gradients and returns dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	l.W.AccumGrad(utils.Dot(dY, l.lastInput.T()))
	if l.B != nil {
		_, T := dY.Dims()
		for i := 0; i < l.Out; i++ {
			s := 0.0
			for t := 0; t < T; t++ {
				s += dY.At(i, t)
			}
			l.B.G.Set(i, 0, l.B.G.At(i, 0)+s)
		}
	}
	return utils.Dot(l.W.W.T(), dY)
}
