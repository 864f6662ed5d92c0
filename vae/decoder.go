package vae

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/transformer"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// Decoder grows a latent column vector back into a (d x T) encoding, then
// settles it through a dropout-free norm/feed-forward stage so the
// reconstruction's distribution suits the sequence decoder.
type Decoder struct {
	DModel     int
	SeqLen     int
	LatentSize int

	DecodeLatent *transformer.Linear // latent -> 10*T
	GrowSeq      *transformer.Linear // 10*T -> 100*T
	GrowTokens   *transformer.Linear // 100 -> d per position
	Norm         *transformer.LayerFF
}

func NewDecoder(dModel, hidden, seqLen, latentSize int) *Decoder {
	return &Decoder{
		DModel:       dModel,
		SeqLen:       seqLen,
		LatentSize:   latentSize,
		DecodeLatent: transformer.NewLinear("vae.dec.decodelatent", latentSize, 10*seqLen),
		GrowSeq:      transformer.NewLinear("vae.dec.growseq", 10*seqLen, shrunkTokenDim*seqLen),
		GrowTokens:   transformer.NewLinear("vae.dec.growtokens", shrunkTokenDim, dModel),
		Norm:         transformer.NewLayerFF("vae.dec.normff", dModel, hidden),
	}
}

func (d *Decoder) Params() []*optimizations.Param {
	out := d.DecodeLatent.Params()
	out = append(out, d.GrowSeq.Params()...)
	out = append(out, d.GrowTokens.Params()...)
	return append(out, d.Norm.Params()...)
}

func (d *Decoder) Forward(latent *mat.Dense) *mat.Dense {
	a := d.DecodeLatent.Forward(latent)
	b := d.GrowSeq.Forward(a)
	seq := utils.UnflattenCols(b, shrunkTokenDim, d.SeqLen)
	grown := d.GrowTokens.Forward(seq)
	return d.Norm.Forward(grown)
}

// Backward maps a gradient at the reconstructed encoding to the latent.
func (d *Decoder) Backward(dRecon *mat.Dense) *mat.Dense {
	dGrown := d.Norm.Backward(dRecon)
	dSeq := d.GrowTokens.Backward(dGrown)
	dB := utils.FlattenCols(dSeq)
	dA := d.GrowSeq.Backward(dB)
	return d.DecodeLatent.Backward(dA)
}
