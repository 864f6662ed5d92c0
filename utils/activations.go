package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ReLU and tanh with their elementwise derivatives, in the Apply-compatible
// (i, j, v) shape.

func ReluApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReluPrime returns the elementwise derivative given the pre-activation.
func ReluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				out.Set(i, j, 1.0)
			}
		}
	}
	return out
}

func TanhApply(i, j int, x float64) float64 {
	return math.Tanh(x)
}

// TanhPrime computes 1 - y^2 from the post-activation y.
func TanhPrime(y mat.Matrix) *mat.Dense {
	r, c := y.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := y.At(i, j)
			out.Set(i, j, 1.0-v*v)
		}
	}
	return out
}
