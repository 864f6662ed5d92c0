package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Param is one named weight matrix together with its accumulated gradient
// and Adam moment estimates. Backward passes add into G; the optimizer
// consumes G on the accumulation boundary and zeroes it.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
	M, V *mat.Dense

	// NoDecay excludes biases and norm scales from weight decay.
	NoDecay bool
}

func NewParam(name string, w *mat.Dense, noDecay bool) *Param {
	r, c := w.Dims()
	return &Param{
		Name:    name,
		W:       w,
		G:       mat.NewDense(r, c, nil),
		M:       mat.NewDense(r, c, nil),
		V:       mat.NewDense(r, c, nil),
		NoDecay: noDecay,
	}
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// AccumGrad adds g into the stored gradient.
func (p *Param) AccumGrad(g *mat.Dense) {
	p.G.Add(p.G, g)
}

// GlobalNorm is the L2 norm over every gradient element of params.
func GlobalNorm(params []*Param) float64 {
	s := 0.0
	for _, p := range params {
		r, c := p.G.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := p.G.At(i, j)
				s += v * v
			}
		}
	}
	return math.Sqrt(s)
}

// ClipGlobalNorm rescales all gradients so their joint norm is at most
// maxNorm. Returns the scale applied (1.0 when no clipping happened).
func ClipGlobalNorm(params []*Param, maxNorm float64) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	norm := GlobalNorm(params)
	if norm <= maxNorm || norm == 0 {
		return 1.0
	}
	scale := maxNorm / norm
	for _, p := range params {
		p.G.Scale(scale, p.G)
	}
	return scale
}
