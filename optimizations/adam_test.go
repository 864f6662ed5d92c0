package optimizations

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAdamWFirstStep(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 1, []float64{1.0}), false)
	p.G.Set(0, 0, 0.5)
	o := NewAdamW([]*Param{p}, 0.9, 0.999, 1e-8, 0.0)

	lr := 0.1
	o.Step(lr)

	// After one step mhat = g, vhat = g*g, so the update is g/(|g|+eps).
	want := 1.0 - lr*(0.5/(0.5+1e-8))
	if got := p.W.At(0, 0); math.Abs(got-want) > 1e-10 {
		t.Fatalf("w after step = %.12g, want %.12g", got, want)
	}
}

func TestAdamWDecoupledDecay(t *testing.T) {
	decayed := NewParam("w", mat.NewDense(1, 1, []float64{2.0}), false)
	spared := NewParam("b", mat.NewDense(1, 1, []float64{2.0}), true)
	// zero gradient isolates the decay term
	o := NewAdamW([]*Param{decayed, spared}, 0.9, 0.999, 1e-8, 0.01)

	o.Step(0.1)

	if got := spared.W.At(0, 0); got != 2.0 {
		t.Fatalf("no-decay param moved to %g", got)
	}
	want := 2.0 - 0.1*0.01*2.0
	if got := decayed.W.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Fatalf("decayed param = %.12g, want %.12g", got, want)
	}
}

func TestClipGlobalNorm(t *testing.T) {
	a := NewParam("a", mat.NewDense(1, 1, nil), false)
	b := NewParam("b", mat.NewDense(1, 1, nil), false)
	a.G.Set(0, 0, 3)
	b.G.Set(0, 0, 4)

	scale := ClipGlobalNorm([]*Param{a, b}, 1.0)
	if math.Abs(scale-0.2) > 1e-12 {
		t.Fatalf("scale = %g, want 0.2", scale)
	}
	if got := GlobalNorm([]*Param{a, b}); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("norm after clip = %g, want 1", got)
	}

	// already inside the bound: untouched
	if scale := ClipGlobalNorm([]*Param{a, b}, 10.0); scale != 1.0 {
		t.Fatalf("clip inside bound rescaled by %g", scale)
	}
}

func TestLinearScheduleShape(t *testing.T) {
	s := LinearSchedule{Peak: 1.0, WarmupSteps: 10, TotalSteps: 110}

	if got := s.LR(0); got != 0 {
		t.Fatalf("lr(0) = %g, want 0", got)
	}
	if got := s.LR(5); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("lr(5) = %g, want 0.5", got)
	}
	if got := s.LR(10); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("lr at peak = %g, want 1", got)
	}
	if got := s.LR(60); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("lr mid-decay = %g, want 0.5", got)
	}
	if got := s.LR(110); got != 0 {
		t.Fatalf("lr at end = %g, want 0", got)
	}
	if got := s.LR(500); got != 0 {
		t.Fatalf("lr past end = %g, want 0", got)
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")

	a := NewParam("a", mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}), false)
	b := NewParam("b", mat.NewDense(1, 2, []float64{7, 8}), true)
	if err := SaveWeights(path, []*Param{a, b}); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	a2 := NewParam("a", mat.NewDense(2, 3, nil), false)
	b2 := NewParam("b", mat.NewDense(1, 2, nil), true)
	missing, unexpected, err := LoadWeights(path, []*Param{a2, b2})
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if len(missing) != 0 || len(unexpected) != 0 {
		t.Fatalf("missing=%v unexpected=%v", missing, unexpected)
	}
	if !mat.Equal(a.W, a2.W) || !mat.Equal(b.W, b2.W) {
		t.Fatal("weights changed across save/load")
	}
}

func TestWeightsMissingAndUnexpected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")

	saved := NewParam("old", mat.NewDense(1, 1, []float64{1}), false)
	if err := SaveWeights(path, []*Param{saved}); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	fresh := NewParam("new", mat.NewDense(1, 1, nil), false)
	missing, unexpected, err := LoadWeights(path, []*Param{fresh})
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if len(missing) != 1 || missing[0] != "new" {
		t.Fatalf("missing = %v, want [new]", missing)
	}
	if len(unexpected) != 1 || unexpected[0] != "old" {
		t.Fatalf("unexpected = %v, want [old]", unexpected)
	}
}

func TestWeightsShapeMismatchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")

	saved := NewParam("w", mat.NewDense(2, 2, []float64{1, 2, 3, 4}), false)
	if err := SaveWeights(path, []*Param{saved}); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	wrong := NewParam("w", mat.NewDense(3, 3, nil), false)
	if _, _, err := LoadWeights(path, []*Param{wrong}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestOptimizerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.gob")

	p := NewParam("w", mat.NewDense(1, 1, []float64{1}), false)
	o := NewAdamW([]*Param{p}, 0.9, 0.999, 1e-8, 0.01)
	p.G.Set(0, 0, 0.3)
	o.Step(0.1)
	o.Step(0.1)

	if err := SaveOptimizer(path, o); err != nil {
		t.Fatalf("SaveOptimizer: %v", err)
	}

	p2 := NewParam("w", mat.NewDense(1, 1, []float64{1}), false)
	o2 := NewAdamW([]*Param{p2}, 0.9, 0.999, 1e-8, 0.01)
	if err := LoadOptimizer(path, o2); err != nil {
		t.Fatalf("LoadOptimizer: %v", err)
	}
	if o2.T != o.T {
		t.Fatalf("restored step count %d, want %d", o2.T, o.T)
	}
	if !mat.Equal(p.M, p2.M) || !mat.Equal(p.V, p2.V) {
		t.Fatal("moment estimates changed across save/load")
	}
}

func TestLayerNormGradCheck(t *testing.T) {
	ln := NewLayerNorm("test.norm", 4, 1e-6)
	x := mat.NewDense(4, 2, []float64{
		0.3, -0.2,
		0.1, 0.5,
		-0.4, 0.2,
		0.7, -0.1,
	})

	out := ln.Forward(x)
	dX := ln.Backward(out)

	forward := func() float64 {
		y := ln.Forward(x)
		s := 0.0
		r, c := y.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				s += y.At(i, j) * y.At(i, j)
			}
		}
		return s / 2
	}

	check := func(name string, param, grad *mat.Dense, i, j int) {
		t.Helper()
		eps := 1e-5
		w0 := param.At(i, j)
		param.Set(i, j, w0+eps)
		lp := forward()
		param.Set(i, j, w0-eps)
		lm := forward()
		param.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}
	check("gamma", ln.Gamma.W, ln.Gamma.G, 2, 0)
	check("beta", ln.Beta.W, ln.Beta.G, 1, 0)
	check("x", x, dX, 3, 1)
}
