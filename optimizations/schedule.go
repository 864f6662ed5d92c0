package optimizations

// LinearSchedule ramps the learning rate linearly from 0 over WarmupSteps,
// then decays linearly to 0 at TotalSteps.
type LinearSchedule struct {
	Peak        float64
	WarmupSteps int
	TotalSteps  int
}

func (s LinearSchedule) LR(step int) float64 {
	if step <= 0 {
		if s.WarmupSteps > 0 {
			return 0
		}
		return s.Peak
	}
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.Peak * float64(step) / float64(s.WarmupSteps)
	}
	if s.TotalSteps > s.WarmupSteps {
		rem := float64(s.TotalSteps-step) / float64(s.TotalSteps-s.WarmupSteps)
		if rem < 0 {
			rem = 0
		}
		return s.Peak * rem
	}
	return s.Peak
}
