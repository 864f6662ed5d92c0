package transformer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// EncoderBlock: pre-norm self-attention with a residual, then LayerFF.
type EncoderBlock struct {
	Norm *optimizations.LayerNorm
	Attn *Attention
	FF   *LayerFF
}

func NewEncoderBlock(name string, dModel, hidden, nHeads int) *EncoderBlock {
	return &EncoderBlock{
		Norm: optimizations.NewLayerNorm(name+".norm", dModel, 1e-6),
		Attn: NewAttention(name+".attn", dModel, nHeads),
		FF:   NewLayerFF(name+".ff", dModel, hidden),
	}
}

func (b *EncoderBlock) Params() []*optimizations.Param {
	out := b.Norm.Params()
	out = append(out, b.Attn.Params()...)
	return append(out, b.FF.Params()...)
}

func (b *EncoderBlock) Forward(X, padMask *mat.Dense) *mat.Dense {
	attnOut := b.Attn.Forward(b.Norm.Forward(X), nil, padMask)
	x1 := utils.Add(X, attnOut)
	return b.FF.Forward(x1)
}

func (b *EncoderBlock) Backward(dY *mat.Dense) *mat.Dense {
	dX1 := b.FF.Backward(dY)
	dNormed, _ := b.Attn.Backward(dX1)
	return utils.Add(dX1, b.Norm.Backward(dNormed))
}

// DecoderBlock adds causally masked self-attention plus cross-attention
// over the encoder output.
type DecoderBlock struct {
	Norm1     *optimizations.LayerNorm
	SelfAttn  *Attention
	Norm2     *optimizations.LayerNorm
	CrossAttn *Attention
	FF        *LayerFF
}

func NewDecoderBlock(name string, dModel, hidden, nHeads int) *DecoderBlock {
	return &DecoderBlock{
		Norm1:     optimizations.NewLayerNorm(name+".norm1", dModel, 1e-6),
		SelfAttn:  NewAttention(name+".self", dModel, nHeads),
		Norm2:     optimizations.NewLayerNorm(name+".norm2", dModel, 1e-6),
		CrossAttn: NewAttention(name+".cross", dModel, nHeads),
		FF:        NewLayerFF(name+".ff", dModel, hidden),
	}
}

func (b *DecoderBlock) Params() []*optimizations.Param {
	out := b.Norm1.Params()
	out = append(out, b.SelfAttn.Params()...)
	out = append(out, b.Norm2.Params()...)
	out = append(out, b.CrossAttn.Params()...)
	return append(out, b.FF.Params()...)
}

func (b *DecoderBlock) Forward(X, encoding, causalMask *mat.Dense) *mat.Dense {
	selfOut := b.SelfAttn.Forward(b.Norm1.Forward(X), nil, causalMask)
	x1 := utils.Add(X, selfOut)
	crossOut := b.CrossAttn.Forward(b.Norm2.Forward(x1), encoding, nil)
	x2 := utils.Add(x1, crossOut)
	return b.FF.Forward(x2)
}

// Backward returns the gradient wrt the block input and the encoder output.
func (b *DecoderBlock) Backward(dY *mat.Dense) (dX, dEncoding *mat.Dense) {
	dX2 := b.FF.Backward(dY)
	dCrossIn, dEncoding := b.CrossAttn.Backward(dX2)
	dX1 := utils.Add(dX2, b.Norm2.Backward(dCrossIn))
	dSelfIn, _ := b.SelfAttn.Backward(dX1)
	dX = utils.Add(dX1, b.Norm1.Backward(dSelfIn))
	return dX, dEncoding
}

func blockName(prefix string, i int) string {
	return fmt.Sprintf("%s.block%d", prefix, i)
}
