// Package model composes the sequence transformer with the latent
// bottleneck and computes the three training losses.
package model

import (
	"fmt"
	"iter"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
	"github.com/Fraser-Greenlee/T5-VAE/trainer"
	"github.com/Fraser-Greenlee/T5-VAE/transformer"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
	"github.com/Fraser-Greenlee/T5-VAE/vae"
)

// T5VAE feeds transformer-encoder output through the autoencoder and the
// reconstructed encoding back into the transformer decoder.
type T5VAE struct {
	T5  *transformer.Seq2Seq
	AE  *vae.FullSeqAE
	Tok *tokenizer.Tokenizer

	SeqLen       int
	UseReconLoss bool
}

func New(cfg params.ModelConfig, tok *tokenizer.Tokenizer, useReconLoss bool, seed uint64) *T5VAE {
	return &T5VAE{
		T5:           transformer.NewSeq2Seq(cfg, tok.Size(), tokenizer.PadID),
		AE:           vae.NewFullSeqAE(cfg.DModel, cfg.HiddenSize, cfg.SeqSize, cfg.LatentSize, seed),
		Tok:          tok,
		SeqLen:       cfg.SeqSize,
		UseReconLoss: useReconLoss,
	}
}

// Params lists every trainable parameter in a stable order.
func (m *T5VAE) Params() []*optimizations.Param {
	out := m.T5.Params()
	return append(out, m.AE.Params()...)
}

// decoderLogits runs the decoder over shifted ids conditioned on an
// encoding, rescaling hidden states by dModel^-0.5 before the vocabulary
// projection.
func (m *T5VAE) decoderLogits(decInput []int, encoding *mat.Dense) *mat.Dense {
	hidden := m.T5.Decode(decInput, encoding)
	scaled := utils.Scale(math.Pow(float64(m.T5.DModel), -0.5), hidden)
	return m.T5.LMHead.Forward(scaled)
}

// Losses is a forward-only evaluation over a batch.
type Losses struct {
	DecoderCE []float64 // per token, pad positions zero
	ReconLoss float64
	RegLoss   float64
}

// Forward mirrors the training computation without accumulating gradients.
func (m *T5VAE) Forward(batch [][]int) (*Losses, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	encs := make([]*mat.Dense, len(batch))
	for i, ids := range batch {
		if len(ids) != m.SeqLen {
			return nil, fmt.Errorf("example has %d ids, expected %d", len(ids), m.SeqLen)
		}
		encs[i] = m.T5.Encode(ids)
	}
	res := m.AE.Forward(encs, vae.ModeFull)

	out := &Losses{ReconLoss: res.ReconLoss, RegLoss: res.RegLoss}
	for i, ids := range batch {
		logits := m.decoderLogits(transformer.ShiftRight(ids, tokenizer.PadID), res.Recons[i])
		for t, label := range ids {
			if label == tokenizer.PadID {
				out.DecoderCE = append(out.DecoderCE, 0)
				continue
			}
			col := utils.ToDense(logits.Slice(0, m.Tok.Size(), t, t+1))
			loss, _ := utils.CrossEntropyWithIndex(col, label)
			out.DecoderCE = append(out.DecoderCE, loss)
		}
	}
	return out, nil
}

// TrainStep implements trainer.Strategy: one forward/backward over a
// micro-batch, accumulating scaled gradients into the parameters.
//
// The latent batch is gathered first so the MMD gradient can couple every
// example; the per-example pass then recomputes the (deterministic)
// encoder activations and pushes all three loss gradients back through
// decoder, bottleneck and encoder.
func (m *T5VAE) TrainStep(batch [][]int, regWeight, gradScale float64) (trainer.LossSet, error) {
	var ls trainer.LossSet
	if len(batch) == 0 {
		return ls, fmt.Errorf("empty batch")
	}
	B := len(batch)
	latentSize := m.AE.LatentSize

	// latent collection pass
	Z := mat.NewDense(B, latentSize, nil)
	for i, ids := range batch {
		if len(ids) != m.SeqLen {
			return ls, fmt.Errorf("example has %d ids, expected %d", len(ids), m.SeqLen)
		}
		z := m.AE.Encoder.Forward(m.T5.Encode(ids))
		for d := 0; d < latentSize; d++ {
			Z.Set(i, d, z.At(d, 0))
		}
	}
	ref := m.AE.SampleReference(B)
	regLoss, dZ := vae.MMDWithGrad(ref, Z)

	scale := math.Pow(float64(m.T5.DModel), -0.5)
	ceSum := 0.0
	ceTokens := 0
	reconSq := 0.0
	reconN := 0

	for i, ids := range batch {
		enc := m.T5.Encode(ids)
		z := m.AE.Encoder.Forward(enc)
		recon := m.AE.Decoder.Forward(z)

		decInput := transformer.ShiftRight(ids, tokenizer.PadID)
		hidden := m.T5.Decode(decInput, recon)
		logits := m.T5.LMHead.Forward(utils.Scale(scale, hidden))

		dLogits := mat.NewDense(m.Tok.Size(), m.SeqLen, nil)
		for t, label := range ids {
			if label == tokenizer.PadID {
				continue
			}
			col := utils.ToDense(logits.Slice(0, m.Tok.Size(), t, t+1))
			loss, grad := utils.CrossEntropyWithIndex(col, label)
			ceSum += loss
			ceTokens++
			for v := 0; v < m.Tok.Size(); v++ {
				dLogits.Set(v, t, grad.At(v, 0)*gradScale)
			}
		}

		dScaled := m.T5.LMHead.Backward(dLogits)
		dHidden := utils.Scale(scale, dScaled)
		dRecon := m.T5.DecodeBackward(dHidden)

		d, T := enc.Dims()
		var diff *mat.Dense
		if m.UseReconLoss {
			diff = utils.Subtract(recon, enc)
			coeff := gradScale * 2.0 / float64(d*T*B)
			dRecon.Add(dRecon, utils.Scale(coeff, diff))
		}

		dLatent := m.AE.Decoder.Backward(dRecon)
		for k := 0; k < latentSize; k++ {
			dLatent.Set(k, 0, dLatent.At(k, 0)+gradScale*regWeight*dZ.At(i, k))
		}

		dEnc := m.AE.Encoder.Backward(dLatent)
		if m.UseReconLoss {
			coeff := gradScale * 2.0 / float64(d*T*B)
			dEnc.Sub(dEnc, utils.Scale(coeff, diff))
		}
		m.T5.EncodeBackward(dEnc)

		sq := utils.Subtract(recon, enc)
		for a := 0; a < d; a++ {
			for b := 0; b < T; b++ {
				v := sq.At(a, b)
				reconSq += v * v
			}
		}
		reconN += d * T
	}

	reconLoss := 0.0
	if reconN > 0 {
		reconLoss = reconSq / float64(reconN)
	}

	ls.DecoderCESum = ceSum / float64(B)
	if ceTokens > 0 {
		ls.DecoderCEMean = ceSum / float64(ceTokens)
	}
	ls.ReconLoss = reconLoss
	ls.RegLoss = regLoss
	ls.RegWeight = regWeight
	ls.TotalLoss = ceSum + regWeight*regLoss
	if m.UseReconLoss {
		ls.TotalLoss += reconLoss
	}
	return ls, nil
}

// PadInputIDs right-pads a short example to the model's sequence length.
func (m *T5VAE) PadInputIDs(ids []int) []int {
	if len(ids) >= m.SeqLen {
		return ids[:m.SeqLen]
	}
	out := make([]int, m.SeqLen)
	for i := range out {
		out[i] = tokenizer.PadID
	}
	copy(out, ids)
	return out
}

// EncodeLatent compresses token ids to the latent vector.
func (m *T5VAE) EncodeLatent(ids []int) *mat.Dense {
	return m.AE.Encoder.Forward(m.T5.Encode(m.PadInputIDs(ids)))
}

// EncodeHidden round-trips token ids through the bottleneck, returning the
// reconstructed encoding.
func (m *T5VAE) EncodeHidden(ids []int) *mat.Dense {
	return m.AE.Decoder.Forward(m.EncodeLatent(ids))
}

// GreedyTokens decodes an encoding token by token, always choosing the
// highest logit. The iterator is finite by construction: it stops at the
// end-of-sequence token or after SeqLen steps, whichever comes first, and
// every call starts fresh.
func (m *T5VAE) GreedyTokens(encoding *mat.Dense) iter.Seq[int] {
	return func(yield func(int) bool) {
		decInput := []int{tokenizer.PadID}
		for step := 0; step < m.SeqLen; step++ {
			logits := m.decoderLogits(decInput, encoding)
			best := 0
			bestVal := math.Inf(-1)
			for v := 0; v < m.Tok.Size(); v++ {
				if lv := logits.At(v, step); lv > bestVal {
					bestVal = lv
					best = v
				}
			}
			if best == tokenizer.EOSID {
				return
			}
			if !yield(best) {
				return
			}
			decInput = append(decInput, best)
		}
	}
}

// GreedyDecodeLatent expands a latent column vector and decodes it.
func (m *T5VAE) GreedyDecodeLatent(latent *mat.Dense) []int {
	encoding := m.AE.Decoder.Forward(latent)
	var out []int
	for tok := range m.GreedyTokens(encoding) {
		out = append(out, tok)
	}
	return out
}

// GreedyDecodeIDs compresses input ids and decodes them back out.
func (m *T5VAE) GreedyDecodeIDs(ids []int) []int {
	return m.GreedyDecodeLatent(m.EncodeLatent(ids))
}
