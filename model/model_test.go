package model

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/Fraser-Greenlee/T5-VAE/params"
	"github.com/Fraser-Greenlee/T5-VAE/tokenizer"
	"github.com/Fraser-Greenlee/T5-VAE/trainer"
)

var _ trainer.Strategy = (*T5VAE)(nil)

func testModel(t *testing.T, useReconLoss bool) *T5VAE {
	t.Helper()
	rand.Seed(123)
	tok, err := tokenizer.New([]string{
		"NO_36", "NO_48", "NO_60", "WT_10", "WT_20",
		"P1_ON", "P1_OFF", "TR_ON", "TR_OFF", "NOISE_4", "NOISE_7",
	})
	if err != nil {
		t.Fatalf("building tokenizer: %v", err)
	}
	cfg := params.ModelConfig{
		DModel:     104,
		HiddenSize: 8,
		Layers:     1,
		NumHeads:   2,
		LatentSize: 4,
		SeqSize:    3,
	}
	return New(cfg, tok, useReconLoss, 1)
}

func TestPadInputIDs(t *testing.T) {
	m := testModel(t, false)
	got := m.PadInputIDs([]int{5, 9})
	want := []int{5, 9, tokenizer.PadID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PadInputIDs = %v, want %v", got, want)
		}
	}
	long := m.PadInputIDs([]int{2, 3, 4, 5, 6})
	if len(long) != m.SeqLen {
		t.Fatalf("over-long input kept %d ids, want %d", len(long), m.SeqLen)
	}
}

func TestEncodeLatentShape(t *testing.T) {
	m := testModel(t, false)
	z := m.EncodeLatent([]int{5, 9, 3})
	r, c := z.Dims()
	if r != m.AE.LatentSize || c != 1 {
		t.Fatalf("latent dims = (%d,%d), want (%d,1)", r, c, m.AE.LatentSize)
	}
	for i := 0; i < r; i++ {
		if v := z.At(i, 0); v <= -1 || v >= 1 {
			t.Fatalf("latent[%d] = %g outside (-1,1)", i, v)
		}
	}

	hidden := m.EncodeHidden([]int{5, 9, 3})
	if hr, hc := hidden.Dims(); hr != m.T5.DModel || hc != m.SeqLen {
		t.Fatalf("hidden dims = (%d,%d), want (%d,%d)", hr, hc, m.T5.DModel, m.SeqLen)
	}
}

func TestGreedyDecodeBoundedAndDeterministic(t *testing.T) {
	m := testModel(t, false)
	ids := []int{5, 9, 3}

	a := m.GreedyDecodeIDs(ids)
	if len(a) > m.SeqLen {
		t.Fatalf("decoded %d tokens, limit is %d", len(a), m.SeqLen)
	}
	for _, id := range a {
		if id == tokenizer.EOSID {
			t.Fatal("end-of-sequence token leaked into decoder output")
		}
	}

	b := m.GreedyDecodeIDs(ids)
	if len(a) != len(b) {
		t.Fatalf("two decodes disagree: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("two decodes disagree: %v vs %v", a, b)
		}
	}
}

func TestGreedyTokensStopsEarly(t *testing.T) {
	m := testModel(t, false)
	encoding := m.EncodeHidden([]int{5, 9, 3})

	count := 0
	for range m.GreedyTokens(encoding) {
		count++
		break // caller can abandon the stream
	}
	if count != 1 {
		t.Fatalf("iterator yielded %d tokens after break", count)
	}
}

func TestForwardLosses(t *testing.T) {
	m := testModel(t, false)
	batch := [][]int{{5, 9, 3}, {7, 2, 1}}

	out, err := m.Forward(batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(out.DecoderCE) != len(batch)*m.SeqLen {
		t.Fatalf("per-token losses = %d, want %d", len(out.DecoderCE), len(batch)*m.SeqLen)
	}
	for i, ce := range out.DecoderCE {
		if ce < 0 {
			t.Fatalf("negative cross entropy at %d: %g", i, ce)
		}
	}
	if out.ReconLoss <= 0 {
		t.Fatalf("fresh model recon loss = %g, want > 0", out.ReconLoss)
	}
	if out.RegLoss < 0 {
		t.Fatalf("reg loss = %g, want >= 0", out.RegLoss)
	}

	if _, err := m.Forward([][]int{{1, 2}}); err == nil {
		t.Fatal("expected error for a wrong-length example")
	}
	if _, err := m.Forward(nil); err == nil {
		t.Fatal("expected error for an empty batch")
	}
}

func TestTrainStepLossBookkeeping(t *testing.T) {
	m := testModel(t, true)
	batch := [][]int{{5, 9, 3}, {7, 2, 1}}

	ls, err := m.TrainStep(batch, 0.5, 1.0)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if ls.RegWeight != 0.5 {
		t.Fatalf("reg weight echoed as %g", ls.RegWeight)
	}
	ceSum := ls.DecoderCESum * float64(len(batch))
	want := ceSum + 0.5*ls.RegLoss + ls.ReconLoss
	if math.Abs(ls.TotalLoss-want) > 1e-9 {
		t.Fatalf("total loss = %g, want %g", ls.TotalLoss, want)
	}
	if ls.DecoderCEMean <= 0 || ls.ReconLoss <= 0 {
		t.Fatalf("suspicious losses: %+v", ls)
	}

	var g float64
	for _, p := range m.Params() {
		r, c := p.G.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g += math.Abs(p.G.At(i, j))
			}
		}
	}
	if g == 0 {
		t.Fatal("TrainStep accumulated no gradient")
	}
}

// Finite-difference check of the cross-entropy path through the whole
// composite: transformer encoder, bottleneck, decoder, vocabulary head.
func TestTrainStepGradCheck(t *testing.T) {
	m := testModel(t, false)
	batch := [][]int{{5, 9, 3}, {7, 2, 1}}

	forward := func() float64 {
		out, err := m.Forward(batch)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		total := 0.0
		for _, ce := range out.DecoderCE {
			total += ce
		}
		return total
	}

	if _, err := m.TrainStep(batch, 0, 1.0); err != nil {
		t.Fatalf("TrainStep: %v", err)
	}

	checks := []struct {
		name string
		w, g *mat.Dense
		i, j int
	}{
		{"emb", m.T5.Emb.W, m.T5.Emb.G, 3, 5},
		{"lmhead", m.T5.LMHead.W.W, m.T5.LMHead.W.G, 7, 20},
		{"vae.enc.shrinktokens", m.AE.Encoder.ShrinkTokens.W.W, m.AE.Encoder.ShrinkTokens.W.G, 10, 50},
		{"vae.dec.growtokens", m.AE.Decoder.GrowTokens.W.W, m.AE.Decoder.GrowTokens.W.G, 60, 30},
	}
	eps := 1e-5
	for _, c := range checks {
		w0 := c.w.At(c.i, c.j)
		c.w.Set(c.i, c.j, w0+eps)
		lp := forward()
		c.w.Set(c.i, c.j, w0-eps)
		lm := forward()
		c.w.Set(c.i, c.j, w0)

		num := (lp - lm) / (2 * eps)
		ana := c.g.At(c.i, c.j)
		if math.Abs(num-ana) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", c.name, c.i, c.j, num, ana)
		}
	}
}
