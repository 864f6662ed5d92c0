package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

// Seq2Seq is the encoder-decoder transformer the latent bottleneck sits on:
// shared token embeddings, learned positions, stacks of pre-norm blocks and
// a projection back to vocabulary logits.
type Seq2Seq struct {
	DModel    int
	SeqLen    int
	VocabSize int
	PadID     int

	Emb    *optimizations.Param // (d x V)
	PosEnc *optimizations.Param // (d x seqLen)
	PosDec *optimizations.Param // (d x seqLen)

	EncBlocks []*EncoderBlock
	EncNorm   *optimizations.LayerNorm
	DecBlocks []*DecoderBlock
	DecNorm   *optimizations.LayerNorm
	LMHead    *Linear // d -> V, bias-free

	// caches for backprop
	encIDs, decIDs []int
	encPadMask     *mat.Dense
}

func NewSeq2Seq(cfg params.ModelConfig, vocabSize, padID int) *Seq2Seq {
	m := &Seq2Seq{
		DModel:    cfg.DModel,
		SeqLen:    cfg.SeqSize,
		VocabSize: vocabSize,
		PadID:     padID,
		Emb:       optimizations.NewParam("shared.emb", mat.NewDense(cfg.DModel, vocabSize, utils.RandomArray(cfg.DModel*vocabSize, float64(cfg.DModel))), false),
		PosEnc:    optimizations.NewParam("encoder.pos", mat.NewDense(cfg.DModel, cfg.SeqSize, utils.RandomArray(cfg.DModel*cfg.SeqSize, float64(cfg.DModel))), false),
		PosDec:    optimizations.NewParam("decoder.pos", mat.NewDense(cfg.DModel, cfg.SeqSize, utils.RandomArray(cfg.DModel*cfg.SeqSize, float64(cfg.DModel))), false),
		EncNorm:   optimizations.NewLayerNorm("encoder.finalnorm", cfg.DModel, 1e-6),
		DecNorm:   optimizations.NewLayerNorm("decoder.finalnorm", cfg.DModel, 1e-6),
		LMHead:    NewLinearNoBias("lmhead", cfg.DModel, vocabSize),
	}
	for i := 0; i < cfg.Layers; i++ {
		m.EncBlocks = append(m.EncBlocks, NewEncoderBlock(blockName("encoder", i), cfg.DModel, cfg.HiddenSize, cfg.NumHeads))
		m.DecBlocks = append(m.DecBlocks, NewDecoderBlock(blockName("decoder", i), cfg.DModel, cfg.HiddenSize, cfg.NumHeads))
	}
	return m
}

func (m *Seq2Seq) Params() []*optimizations.Param {
	out := []*optimizations.Param{m.Emb, m.PosEnc, m.PosDec}
	for _, b := range m.EncBlocks {
		out = append(out, b.Params()...)
	}
	out = append(out, m.EncNorm.Params()...)
	for _, b := range m.DecBlocks {
		out = append(out, b.Params()...)
	}
	out = append(out, m.DecNorm.Params()...)
	return append(out, m.LMHead.Params()...)
}

// ShiftRight produces decoder inputs: start token followed by all labels
// but the last.
func ShiftRight(ids []int, startID int) []int {
	out := make([]int, len(ids))
	out[0] = startID
	copy(out[1:], ids[:len(ids)-1])
	return out
}

// PadMask reports which positions hold the pad token.
func (m *Seq2Seq) PadMask(ids []int) []bool {
	pad := make([]bool, len(ids))
	for i, id := range ids {
		pad[i] = id == m.PadID
	}
	return pad
}

func (m *Seq2Seq) embed(ids []int, pos *optimizations.Param) *mat.Dense {
	X := mat.NewDense(m.DModel, len(ids), nil)
	for t, id := range ids {
		for i := 0; i < m.DModel; i++ {
			X.Set(i, t, m.Emb.W.At(i, id)+pos.W.At(i, t))
		}
	}
	return X
}

func (m *Seq2Seq) embedBackward(dX *mat.Dense, ids []int, pos *optimizations.Param) {
	for t, id := range ids {
		for i := 0; i < m.DModel; i++ {
			m.Emb.G.Set(i, id, m.Emb.G.At(i, id)+dX.At(i, t))
			pos.G.Set(i, t, pos.G.At(i, t)+dX.At(i, t))
		}
	}
}

// Encode runs the encoder stack over one example, masking pad positions
// out of the attention keys. Returns the (d x T) hidden encoding.
func (m *Seq2Seq) Encode(ids []int) *mat.Dense {
	m.encIDs = ids
	m.encPadMask = utils.KeyPadMask(len(ids), m.PadMask(ids))
	X := m.embed(ids, m.PosEnc)
	for _, b := range m.EncBlocks {
		X = b.Forward(X, m.encPadMask)
	}
	return m.EncNorm.Forward(X)
}

// EncodeBackward pushes a gradient at the encoder output down into the
// embeddings. Must follow the matching Encode call.
func (m *Seq2Seq) EncodeBackward(dEnc *mat.Dense) {
	dX := m.EncNorm.Backward(dEnc)
	for i := len(m.EncBlocks) - 1; i >= 0; i-- {
		dX = m.EncBlocks[i].Backward(dX)
	}
	m.embedBackward(dX, m.encIDs, m.PosEnc)
}

// Decode runs the decoder stack over shifted target ids conditioned on an
// encoding. Returns the (d x T) hidden states before the LM projection.
func (m *Seq2Seq) Decode(decIDs []int, encoding *mat.Dense) *mat.Dense {
	m.decIDs = decIDs
	causal := utils.CausalMask(len(decIDs))
	X := m.embed(decIDs, m.PosDec)
	for _, b := range m.DecBlocks {
		X = b.Forward(X, encoding, causal)
	}
	return m.DecNorm.Forward(X)
}

// DecodeBackward pushes a gradient at the decoder hidden states back
// through the stack, returning the accumulated gradient wrt the encoding.
func (m *Seq2Seq) DecodeBackward(dHidden *mat.Dense) *mat.Dense {
	dX := m.DecNorm.Backward(dHidden)
	var dEncoding *mat.Dense
	for i := len(m.DecBlocks) - 1; i >= 0; i-- {
		var dEnc *mat.Dense
		dX, dEnc = m.DecBlocks[i].Backward(dX)
		if dEncoding == nil {
			dEncoding = dEnc
		} else {
			dEncoding.Add(dEncoding, dEnc)
		}
	}
	m.embedBackward(dX, m.decIDs, m.PosDec)
	return dEncoding
}
