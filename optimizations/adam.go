package optimizations

import "math"

// AdamW over a list of named parameters. Weight decay is decoupled and
// skipped for NoDecay params (biases, norm scales).
type AdamW struct {
	Params      []*Param
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	T int // step count for bias correction
}

func NewAdamW(params []*Param, beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		Params:      params,
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
	}
}

// Step applies one in-place AdamW update at the given learning rate.
func (o *AdamW) Step(lr float64) {
	o.T++
	c1 := 1.0 / (1.0 - math.Pow(o.Beta1, float64(o.T)))
	c2 := 1.0 / (1.0 - math.Pow(o.Beta2, float64(o.T)))
	for _, p := range o.Params {
		wd := o.WeightDecay
		if p.NoDecay {
			wd = 0
		}
		r, c := p.W.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gij := p.G.At(i, j)
				mij := o.Beta1*p.M.At(i, j) + (1.0-o.Beta1)*gij
				vij := o.Beta2*p.V.At(i, j) + (1.0-o.Beta2)*gij*gij
				mhat := mij * c1
				vhat := vij * c2
				update := mhat/(math.Sqrt(vhat)+o.Eps) + wd*p.W.At(i, j)
				p.M.Set(i, j, mij)
				p.V.Set(i, j, vij)
				p.W.Set(i, j, p.W.At(i, j)-lr*update)
			}
		}
	}
}

func (o *AdamW) ZeroGrads() {
	for _, p := range o.Params {
		p.ZeroGrad()
	}
}
