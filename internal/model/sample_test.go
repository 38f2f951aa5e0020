package model

import (
	"math/rand"
	"testing"
)

func TestSampleLogits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	t.Run("greedy", func(t *testing.T) {
		got, err := sampleLogits(rng, []float32{0.1, 2.5, -1, 2.4}, 0, 0)
		if err != nil {
			t.Fatalf("sampleLogits: %v", err)
		}
		if got != 1 {
			t.Fatalf("argmax = %d, want 1", got)
		}
	})

	t.Run("top-1 is argmax", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			got, err := sampleLogits(rng, []float32{0.1, 2.5, -1, 2.4}, 1.0, 1)
			if err != nil {
				t.Fatalf("sampleLogits: %v", err)
			}
			if got != 1 {
				t.Fatalf("top-1 sample = %d, want 1", got)
			}
		}
	})

	t.Run("dominant logit", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			got, err := sampleLogits(rng, []float32{0, 100, 0}, 1.0, 0)
			if err != nil {
				t.Fatalf("sampleLogits: %v", err)
			}
			if got != 1 {
				t.Fatalf("sample = %d, want 1", got)
			}
		}
	})

	t.Run("top-k masks the tail", func(t *testing.T) {
		// index 0 is outside the top 2 and must never appear
		for i := 0; i < 50; i++ {
			got, err := sampleLogits(rng, []float32{-5, 1, 1.5}, 1.0, 2)
			if err != nil {
				t.Fatalf("sampleLogits: %v", err)
			}
			if got == 0 {
				t.Fatal("sampled a token excluded by top-k")
			}
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := sampleLogits(rng, nil, 1.0, 0); err == nil {
			t.Fatal("accepted empty logits")
		}
	})
}

func TestWeightedChoice(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		if got := weightedChoice(rng, []float64{0, 1, 0}); got != 1 {
			t.Fatalf("weightedChoice = %d, want 1", got)
		}
	}
}

func TestGenerate(t *testing.T) {
	m := newTinyGPT(t, 1)
	rng := rand.New(rand.NewSource(9))

	prompt := []int32{1, 2, 3}
	out, err := m.Generate(rng, prompt, 5, 0, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != len(prompt)+5 {
		t.Fatalf("generated %d tokens, want %d", len(out), len(prompt)+5)
	}
	for i, tok := range out[:len(prompt)] {
		if tok != prompt[i] {
			t.Fatalf("prompt token %d rewritten: %d -> %d", i, prompt[i], tok)
		}
	}
	for _, tok := range out {
		if tok < 0 || int(tok) >= m.Cfg().VocabSize {
			t.Fatalf("token %d outside the vocabulary", tok)
		}
	}
	if !m.Training() {
		t.Fatal("Generate did not restore training mode")
	}

	// greedy decoding is deterministic
	again, err := m.Generate(rng, prompt, 5, 0, 0)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	for i := range out {
		if out[i] != again[i] {
			t.Fatalf("greedy outputs diverged at %d: %d vs %d", i, out[i], again[i])
		}
	}
}

func TestGenerateLongPrompt(t *testing.T) {
	m := newTinyGPT(t, 1)
	rng := rand.New(rand.NewSource(2))

	// longer than the context window: conditioning uses the tail
	prompt := seqTokens(0, 12)
	out, err := m.Generate(rng, prompt, 3, 0.8, 4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 15 {
		t.Fatalf("generated %d tokens, want 15", len(out))
	}
}

func TestGenerateValidation(t *testing.T) {
	m := newTinyGPT(t, 1)
	rng := rand.New(rand.NewSource(3))

	if _, err := m.Generate(rng, nil, 3, 1.0, 0); err == nil {
		t.Fatal("accepted empty prompt")
	}
	if _, err := m.Generate(rng, []int32{1}, 3, -1, 0); err == nil {
		t.Fatal("accepted negative temperature")
	}
	if _, err := m.Generate(rng, []int32{1}, 3, 1.0, -2); err == nil {
		t.Fatal("accepted negative top-k")
	}
}
