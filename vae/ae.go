// Package vae holds the sequence autoencoder that squeezes a transformer
// encoding into one latent vector and back. The latent batch is pulled
// toward an isotropic normal with an MMD penalty rather than a KL term,
// which sidesteps posterior collapse without a reparameterization trick.
package vae

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Fraser-Greenlee/T5-VAE/optimizations"
)

// Mode selects what a FullSeqAE forward pass produces.
type Mode int

const (
	// ModeFull computes losses and the reconstructed encodings.
	ModeFull Mode = iota
	// ModeLatentOnly compresses without paying for reconstruction.
	ModeLatentOnly
	// ModeReconstructionOnly round-trips encodings without loss bookkeeping.
	ModeReconstructionOnly
)

// Result is the tagged outcome of a forward pass; only the fields implied
// by Mode are populated.
type Result struct {
	Mode Mode

	// Latents holds one latent row per example (batch x latent).
	Latents *mat.Dense
	// Recons holds the reconstructed (d x T) encodings.
	Recons []*mat.Dense

	ReconLoss float64
	RegLoss   float64
}

type FullSeqAE struct {
	Encoder *Encoder
	Decoder *Decoder

	LatentSize int
	normal     distuv.Normal
}

func NewFullSeqAE(dModel, hidden, seqLen, latentSize int, seed uint64) *FullSeqAE {
	return &FullSeqAE{
		Encoder:    NewEncoder(dModel, seqLen, latentSize),
		Decoder:    NewDecoder(dModel, hidden, seqLen, latentSize),
		LatentSize: latentSize,
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
	}
}

func (ae *FullSeqAE) Params() []*optimizations.Param {
	out := ae.Encoder.Params()
	return append(out, ae.Decoder.Params()...)
}

// Forward runs the bottleneck over a batch of (d x T) encodings.
func (ae *FullSeqAE) Forward(encodings []*mat.Dense, mode Mode) Result {
	res := Result{Mode: mode}

	latents := mat.NewDense(len(encodings), ae.LatentSize, nil)
	for i, enc := range encodings {
		z := ae.Encoder.Forward(enc)
		for d := 0; d < ae.LatentSize; d++ {
			latents.Set(i, d, z.At(d, 0))
		}
	}
	if mode == ModeLatentOnly {
		res.Latents = latents
		return res
	}

	res.Recons = make([]*mat.Dense, len(encodings))
	for i := range encodings {
		res.Recons[i] = ae.Decoder.Forward(latentRow(latents, i))
	}
	if mode == ModeReconstructionOnly {
		return res
	}

	res.Latents = latents
	res.ReconLoss = ReconLoss(encodings, res.Recons)
	ref := ae.SampleReference(len(encodings))
	res.RegLoss = MMD(ref, latents)
	return res
}

// SampleReference draws a (b x latent) batch from the standard normal.
func (ae *FullSeqAE) SampleReference(b int) *mat.Dense {
	ref := mat.NewDense(b, ae.LatentSize, nil)
	for i := 0; i < b; i++ {
		for d := 0; d < ae.LatentSize; d++ {
			ref.Set(i, d, ae.normal.Rand())
		}
	}
	return ref
}

func latentRow(latents *mat.Dense, i int) *mat.Dense {
	_, L := latents.Dims()
	z := mat.NewDense(L, 1, nil)
	for d := 0; d < L; d++ {
		z.Set(d, 0, latents.At(i, d))
	}
	return z
}

// ReconLoss is the elementwise mean squared error between the input
// encodings and their reconstructions.
func ReconLoss(inputs, recons []*mat.Dense) float64 {
	total := 0.0
	n := 0
	for i := range inputs {
		r, c := inputs[i].Dims()
		for a := 0; a < r; a++ {
			for b := 0; b < c; b++ {
				d := inputs[i].At(a, b) - recons[i].At(a, b)
				total += d * d
			}
		}
		n += r * c
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// kernelAt evaluates the Gaussian-like kernel exp(-mean((x-y)^2)/dim)
// between row i of x and row j of y.
func kernelAt(x, y *mat.Dense, i, j, dim int) float64 {
	s := 0.0
	for d := 0; d < dim; d++ {
		diff := x.At(i, d) - y.At(j, d)
		s += diff * diff
	}
	return math.Exp(-s / float64(dim*dim))
}

func kernelMean(x, y *mat.Dense) float64 {
	bx, dim := x.Dims()
	by, _ := y.Dims()
	s := 0.0
	for i := 0; i < bx; i++ {
		for j := 0; j < by; j++ {
			s += kernelAt(x, y, i, j, dim)
		}
	}
	return s / float64(bx*by)
}

// MMD is the maximum mean discrepancy between two sample batches laid out
// one sample per row.
func MMD(x, y *mat.Dense) float64 {
	return kernelMean(x, x) + kernelMean(y, y) - 2*kernelMean(x, y)
}

// MMDWithGrad additionally returns d MMD / d y.
func MMDWithGrad(x, y *mat.Dense) (float64, *mat.Dense) {
	bx, dim := x.Dims()
	by, _ := y.Dims()
	grad := mat.NewDense(by, dim, nil)
	inv := 1.0 / float64(dim*dim)

	for a := 0; a < by; a++ {
		for j := 0; j < by; j++ {
			k := kernelAt(y, y, a, j, dim)
			for d := 0; d < dim; d++ {
				g := grad.At(a, d) + (2.0/float64(by*by))*k*(-2.0*inv)*(y.At(a, d)-y.At(j, d))
				grad.Set(a, d, g)
			}
		}
		for i := 0; i < bx; i++ {
			k := kernelAt(x, y, i, a, dim)
			for d := 0; d < dim; d++ {
				g := grad.At(a, d) - (2.0/float64(bx*by))*k*(2.0*inv)*(x.At(i, d)-y.At(a, d))
				grad.Set(a, d, g)
			}
		}
	}
	return MMD(x, y), grad
}
