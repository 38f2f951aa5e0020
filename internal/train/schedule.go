// Package train drives the optimization loop: learning rate
// schedule, loss estimation, gradient accumulation with collective
// averaging, checkpointing cadence and throughput accounting.
package train

import "math"

// Schedule computes the learning rate for an iteration: linear
// warmup, cosine decay down to MinLR, then flat. With Decay off the
// base rate is used throughout.
type Schedule struct {
	BaseLR      float64
	MinLR       float64
	WarmupIters int
	DecayIters  int
	Decay       bool
}

// LearningRate returns the rate for iteration it.
func (s Schedule) LearningRate(it int) float64 {
	if !s.Decay {
		return s.BaseLR
	}
	if it < s.WarmupIters {
		return s.BaseLR * float64(it+1) / float64(s.WarmupIters+1)
	}
	if it > s.DecayIters || s.DecayIters == s.WarmupIters {
		return s.MinLR
	}
	progress := float64(it-s.WarmupIters) / float64(s.DecayIters-s.WarmupIters)
	coeff := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + coeff*(s.BaseLR-s.MinLR)
}
