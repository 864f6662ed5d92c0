package trainer

// LossSet carries every loss stream produced by one micro-step.
type LossSet struct {
	// DecoderCESum is the summed per-token cross entropy divided by the
	// batch size; DecoderCEMean averages over non-pad tokens.
	DecoderCESum  float64
	DecoderCEMean float64
	ReconLoss     float64
	RegLoss       float64
	RegWeight     float64

	// TotalLoss is the already-weighted training objective for this
	// micro-step, before gradient-accumulation scaling.
	TotalLoss float64
}

// Strategy computes losses and accumulates gradients for one micro-batch.
// gradScale pre-divides gradients by the accumulation factor.
type Strategy interface {
	TrainStep(batch [][]int, regWeight, gradScale float64) (LossSet, error)
}

// Metrics accumulates loss streams between log flushes. It is owned by the
// training loop and drained, never mutated from elsewhere.
type Metrics struct {
	DecoderCE    []float64
	DecoderCESum []float64
	ReconLoss    []float64
	RegLoss      []float64
	RegLossW     []float64
	TotalLoss    []float64
}

func (m *Metrics) Append(ls LossSet) {
	m.DecoderCE = append(m.DecoderCE, ls.DecoderCEMean)
	m.DecoderCESum = append(m.DecoderCESum, ls.DecoderCESum)
	m.ReconLoss = append(m.ReconLoss, ls.ReconLoss)
	m.RegLoss = append(m.RegLoss, ls.RegLoss)
	m.RegLossW = append(m.RegLossW, ls.RegWeight)
	m.TotalLoss = append(m.TotalLoss, ls.TotalLoss)
}

// Averages reports the mean of every stream since the last drain.
type Averages struct {
	DecoderCE    float64
	DecoderCESum float64
	ReconLoss    float64
	RegLoss      float64
	RegLossW     float64
	Loss         float64
}

// Drain averages and resets the accumulator.
func (m *Metrics) Drain() Averages {
	avg := Averages{
		DecoderCE:    mean(m.DecoderCE),
		DecoderCESum: mean(m.DecoderCESum),
		ReconLoss:    mean(m.ReconLoss),
		RegLoss:      mean(m.RegLoss),
		RegLossW:     mean(m.RegLossW),
		Loss:         mean(m.TotalLoss),
	}
	*m = Metrics{}
	return avg
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
