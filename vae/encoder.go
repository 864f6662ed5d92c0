package vae

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/transformer"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// Every token encoding is first shrunk to this many dims before the whole
// sequence is squeezed into the latent vector.
const shrunkTokenDim = 100

// Encoder compresses a (d x T) hidden encoding into a single latent column
// vector bounded to (-1, 1) by tanh.
type Encoder struct {
	DModel     int
	SeqLen     int
	LatentSize int

	ShrinkTokens *transformer.Linear // d -> 100 per position
	ShrinkSeq    *transformer.Linear // 100*T -> latent

	latent *mat.Dense // post-tanh cache
}

func NewEncoder(dModel, seqLen, latentSize int) *Encoder {
	if dModel <= shrunkTokenDim {
		panic("latent encoder requires hidden dim > 100")
	}
	return &Encoder{
		DModel:       dModel,
		SeqLen:       seqLen,
		LatentSize:   latentSize,
		ShrinkTokens: transformer.NewLinear("vae.enc.shrinktokens", dModel, shrunkTokenDim),
		ShrinkSeq:    transformer.NewLinear("vae.enc.shrinkseq", shrunkTokenDim*seqLen, latentSize),
	}
}

func (e *Encoder) Params() []*optimizations.Param {
	out := e.ShrinkTokens.Params()
	return append(out, e.ShrinkSeq.Params()...)
}

func (e *Encoder) Forward(encoding *mat.Dense) *mat.Dense {
	shrunk := e.ShrinkTokens.Forward(encoding)
	flat := utils.FlattenCols(shrunk)
	pre := e.ShrinkSeq.Forward(flat)
	e.latent = utils.Apply(utils.TanhApply, pre)
	return e.latent
}

// Backward maps a gradient at the latent back to the encoding.
func (e *Encoder) Backward(dLatent *mat.Dense) *mat.Dense {
	dPre := utils.Multiply(dLatent, utils.TanhPrime(e.latent))
	dFlat := e.ShrinkSeq.Backward(dPre)
	dShrunk := utils.UnflattenCols(dFlat, shrunkTokenDim, e.SeqLen)
	return e.ShrinkTokens.Backward(dShrunk)
}
