package utils

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRowSoftmaxMaskedRowsSumToOne(t *testing.T) {
	rand.Seed(123)
	scores := mat.NewDense(3, 3, RandomArray(9, 1))
	soft := RowSoftmaxMasked(scores, CausalMask(3))

	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += soft.At(i, j)
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("row %d sums to %g", i, sum)
		}
		for j := i + 1; j < 3; j++ {
			if soft.At(i, j) != 0 {
				t.Fatalf("future position (%d,%d) got weight %g", i, j, soft.At(i, j))
			}
		}
	}
}

func TestKeyPadMaskBlocksPadKeys(t *testing.T) {
	rand.Seed(123)
	scores := mat.NewDense(2, 4, RandomArray(8, 1))
	mask := KeyPadMask(2, []bool{false, false, true, true})
	soft := RowSoftmaxMasked(scores, mask)

	for i := 0; i < 2; i++ {
		for j := 2; j < 4; j++ {
			if soft.At(i, j) != 0 {
				t.Fatalf("pad key (%d,%d) got weight %g", i, j, soft.At(i, j))
			}
		}
	}
}

func TestCrossEntropyWithIndexGrad(t *testing.T) {
	rand.Seed(7)
	logits := mat.NewDense(5, 1, RandomArray(5, 1))
	gold := 2

	loss, grad := CrossEntropyWithIndex(logits, gold)
	if loss <= 0 {
		t.Fatalf("loss = %g, want > 0", loss)
	}

	eps := 1e-6
	for i := 0; i < 5; i++ {
		w0 := logits.At(i, 0)
		logits.Set(i, 0, w0+eps)
		lp, _ := CrossEntropyWithIndex(logits, gold)
		logits.Set(i, 0, w0-eps)
		lm, _ := CrossEntropyWithIndex(logits, gold)
		logits.Set(i, 0, w0)

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-grad.At(i, 0)) > 1e-6 {
			t.Fatalf("logit %d grad mismatch: num=%.8g ana=%.8g", i, num, grad.At(i, 0))
		}
	}
}

func TestFlattenColsRoundTrip(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	flat := FlattenCols(m)
	if r, c := flat.Dims(); r != 6 || c != 1 {
		t.Fatalf("flat dims = (%d,%d), want (6,1)", r, c)
	}
	// column-major: column 0 first
	want := []float64{1, 4, 2, 5, 3, 6}
	for i, w := range want {
		if flat.At(i, 0) != w {
			t.Fatalf("flat[%d] = %g, want %g", i, flat.At(i, 0), w)
		}
	}
	back := UnflattenCols(flat, 2, 3)
	if !mat.Equal(m, back) {
		t.Fatal("unflatten did not invert flatten")
	}
}

func TestSigmoid(t *testing.T) {
	if got := Sigmoid(0); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("Sigmoid(0) = %g, want 0.5", got)
	}
	if Sigmoid(10) < 0.999 || Sigmoid(-10) > 0.001 {
		t.Fatal("sigmoid tails are off")
	}
}
