package transformer

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/utils"
)

func finiteDiffCheck(t *testing.T, name string, param, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()
	param.Set(i, j, w0-eps)
	lm := forward()
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)
	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, numGrad, anaGrad)
	}
}

func halfSqNorm(m *mat.Dense) float64 {
	s := 0.0
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += m.At(i, j) * m.At(i, j)
		}
	}
	return s / 2
}

func TestShiftRight(t *testing.T) {
	got := ShiftRight([]int{5, 6, 7, 1}, 0)
	want := []int{0, 5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ShiftRight = %v, want %v", got, want)
		}
	}
}

func TestLinearGradCheck(t *testing.T) {
	rand.Seed(123)
	l := NewLinear("test.lin", 4, 3)
	x := mat.NewDense(4, 2, utils.RandomArray(8, 4))

	out := l.Forward(x)
	dX := l.Backward(out)

	forward := func() float64 { return halfSqNorm(l.Forward(x)) }
	finiteDiffCheck(t, "w", l.W.W, l.W.G, forward, 1, 2)
	finiteDiffCheck(t, "b", l.B.W, l.B.G, forward, 2, 0)
	finiteDiffCheck(t, "x", x, dX, forward, 3, 1)
}

func TestSelfAttentionGradCheck(t *testing.T) {
	rand.Seed(123)
	d := 4
	attn := NewAttention("test.attn", d, 2)
	x := mat.NewDense(d, 3, utils.RandomArray(d*3, float64(d)))
	mask := utils.CausalMask(3)

	out := attn.Forward(x, nil, mask)
	dX, dCtx := attn.Backward(out)
	if dCtx != nil {
		t.Fatal("self-attention must fold the context gradient into dX")
	}

	forward := func() float64 { return halfSqNorm(attn.Forward(x, nil, mask)) }
	finiteDiffCheck(t, "wq0", attn.Wq[0].W, attn.Wq[0].G, forward, 0, 1)
	finiteDiffCheck(t, "wk1", attn.Wk[1].W, attn.Wk[1].G, forward, 1, 2)
	finiteDiffCheck(t, "wv0", attn.Wv[0].W, attn.Wv[0].G, forward, 1, 3)
	finiteDiffCheck(t, "wo", attn.Wo.W, attn.Wo.G, forward, 2, 2)
	finiteDiffCheck(t, "x", x, dX, forward, 2, 1)
}

func TestCrossAttentionGradCheck(t *testing.T) {
	rand.Seed(321)
	d := 4
	attn := NewAttention("test.cross", d, 2)
	x := mat.NewDense(d, 2, utils.RandomArray(d*2, float64(d)))
	ctx := mat.NewDense(d, 3, utils.RandomArray(d*3, float64(d)))

	out := attn.Forward(x, ctx, nil)
	dX, dCtx := attn.Backward(out)
	if dCtx == nil {
		t.Fatal("cross-attention must return a context gradient")
	}

	forward := func() float64 { return halfSqNorm(attn.Forward(x, ctx, nil)) }
	finiteDiffCheck(t, "x", x, dX, forward, 1, 1)
	finiteDiffCheck(t, "ctx", ctx, dCtx, forward, 3, 2)
	finiteDiffCheck(t, "wk0", attn.Wk[0].W, attn.Wk[0].G, forward, 0, 2)
}

func TestLayerFFGradCheck(t *testing.T) {
	rand.Seed(99)
	ff := NewLayerFF("test.ff", 4, 6)
	x := mat.NewDense(4, 3, utils.RandomArray(12, 4))

	out := ff.Forward(x)
	dX := ff.Backward(out)

	forward := func() float64 { return halfSqNorm(ff.Forward(x)) }
	finiteDiffCheck(t, "wi", ff.Wi.W.W, ff.Wi.W.G, forward, 2, 1)
	finiteDiffCheck(t, "wo", ff.Wo.W.W, ff.Wo.W.G, forward, 1, 4)
	finiteDiffCheck(t, "gamma", ff.Norm.Gamma.W, ff.Norm.Gamma.G, forward, 2, 0)
	finiteDiffCheck(t, "x", x, dX, forward, 0, 0)
}

func tinyConfig() params.ModelConfig {
	return params.ModelConfig{
		DModel:     8,
		HiddenSize: 16,
		Layers:     1,
		NumHeads:   2,
		LatentSize: 4,
		SeqSize:    4,
	}
}

// End-to-end check: encode, decode conditioned on the encoding, project to
// the vocabulary, sum cross-entropy over non-pad labels.
func TestSeq2SeqGradCheck(t *testing.T) {
	rand.Seed(42)
	const vocab = 12
	m := NewSeq2Seq(tinyConfig(), vocab, 0)
	labels := []int{5, 9, 3, 1}
	scale := math.Pow(float64(m.DModel), -0.5)

	forward := func() float64 {
		enc := m.Encode(labels)
		hidden := m.Decode(ShiftRight(labels, m.PadID), enc)
		logits := m.LMHead.Forward(utils.Scale(scale, hidden))
		total := 0.0
		for pos, label := range labels {
			col := utils.ToDense(logits.Slice(0, vocab, pos, pos+1))
			loss, _ := utils.CrossEntropyWithIndex(col, label)
			total += loss
		}
		return total
	}

	enc := m.Encode(labels)
	hidden := m.Decode(ShiftRight(labels, m.PadID), enc)
	logits := m.LMHead.Forward(utils.Scale(scale, hidden))
	dLogits := mat.NewDense(vocab, len(labels), nil)
	for pos, label := range labels {
		col := utils.ToDense(logits.Slice(0, vocab, pos, pos+1))
		_, grad := utils.CrossEntropyWithIndex(col, label)
		for v := 0; v < vocab; v++ {
			dLogits.Set(v, pos, grad.At(v, 0))
		}
	}
	dHidden := utils.Scale(scale, m.LMHead.Backward(dLogits))
	dEnc := m.DecodeBackward(dHidden)
	m.EncodeBackward(dEnc)

	finiteDiffCheck(t, "emb", m.Emb.W, m.Emb.G, forward, 3, 5)
	finiteDiffCheck(t, "pos.enc", m.PosEnc.W, m.PosEnc.G, forward, 1, 2)
	finiteDiffCheck(t, "pos.dec", m.PosDec.W, m.PosDec.G, forward, 4, 1)
	finiteDiffCheck(t, "lmhead", m.LMHead.W.W, m.LMHead.W.G, forward, 7, 3)
	finiteDiffCheck(t, "enc.attn.wq", m.EncBlocks[0].Attn.Wq[0].W, m.EncBlocks[0].Attn.Wq[0].G, forward, 1, 4)
	finiteDiffCheck(t, "dec.cross.wv", m.DecBlocks[0].CrossAttn.Wv[1].W, m.DecBlocks[0].CrossAttn.Wv[1].G, forward, 2, 3)
	finiteDiffCheck(t, "dec.finalnorm.gamma", m.DecNorm.Gamma.W, m.DecNorm.Gamma.G, forward, 5, 0)
}

func TestEncodeIgnoresPadKeys(t *testing.T) {
	rand.Seed(17)
	m := NewSeq2Seq(tinyConfig(), 12, 0)

	// Perturbing what sits at a pad position must not leak into the
	// non-pad columns of the encoding: pad keys are masked out.
	a := m.Encode([]int{5, 7, 0, 0})

	m.PosEnc.W.Set(3, 2, m.PosEnc.W.At(3, 2)+5)
	b := m.Encode([]int{5, 7, 0, 0})

	for i := 0; i < m.DModel; i++ {
		for pos := 0; pos < 2; pos++ {
			if math.Abs(a.At(i, pos)-b.At(i, pos)) > 1e-12 {
				t.Fatalf("encoding[%d,%d] changed with an unused vocab entry", i, pos)
			}
		}
	}
}
