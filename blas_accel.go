//go:build netlib

package main

// Builds with `-tags netlib` link against a system BLAS, which matters
// for the big d_model x seq_size matmuls in training.
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
}
