package model

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Generate extends prompt by maxNewTokens sampled tokens. Each step
// builds a fresh single-sequence graph over the current conditioning
// window, cropped to the model's block size.
func (m *GPT) Generate(rng *rand.Rand, prompt []int32, maxNewTokens int, temperature float64, topK int) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, errors.New("prompt must contain at least one token")
	}
	if maxNewTokens < 0 {
		return nil, errors.Errorf("max new tokens %d must be non-negative", maxNewTokens)
	}
	if temperature < 0 {
		return nil, errors.Errorf("temperature %g must be non-negative", temperature)
	}
	if topK < 0 {
		return nil, errors.Errorf("top-k %d must be non-negative", topK)
	}

	prev := m.training
	m.SetTraining(false)
	defer m.SetTraining(prev)

	out := append([]int32(nil), prompt...)
	for i := 0; i < maxNewTokens; i++ {
		cond := out
		if len(cond) > m.cfg.BlockSize {
			cond = cond[len(cond)-m.cfg.BlockSize:]
		}
		r, err := m.NewRunner(1, len(cond), false, 1, true)
		if err != nil {
			return nil, err
		}
		// targets are ignored here; feeding the inputs back keeps
		// them inside the vocabulary
		if _, err := r.Step(cond, cond); err != nil {
			r.Close()
			return nil, err
		}
		logits, err := r.LogitsRow(len(cond) - 1)
		r.Close()
		if err != nil {
			return nil, err
		}
		next, err := sampleLogits(rng, logits, temperature, topK)
		if err != nil {
			return nil, err
		}
		out = append(out, int32(next))
	}
	return out, nil
}

// sampleLogits picks the next token. Temperature rescales the
// distribution, topK (0 = disabled) restricts sampling to the k
// most likely tokens, and temperature 0 degenerates to argmax.
func sampleLogits(rng *rand.Rand, logits []float32, temperature float64, topK int) (int, error) {
	if len(logits) == 0 {
		return 0, errors.New("empty logits")
	}
	if temperature == 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best, nil
	}
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
	}
	if topK > 0 && topK < len(scaled) {
		// ties with the k-th value survive the cut
		kth := kthLargest(scaled, topK)
		for i, v := range scaled {
			if v < kth {
				scaled[i] = math.Inf(-1)
			}
		}
	}
	return weightedChoice(rng, softmax64(scaled)), nil
}

func kthLargest(vals []float64, k int) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)-k]
}

func softmax64(logits []float64) []float64 {
	mx := math.Inf(-1)
	for _, v := range logits {
		if v > mx {
			mx = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - mx)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func weightedChoice(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	var c float64
	for i, p := range probs {
		c += p
		if r < c {
			return i
		}
	}
	return len(probs) - 1
}
