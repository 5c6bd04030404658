package sampling

import (
	"math"
	"testing"
)

func logSoftmax(logits []float32) []float32 {
	var max float32 = logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - max))
	}
	lse := max + float32(math.Log(sum))
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical draws for the same input.
func TestSamplerDeterminism(t *testing.T) {
	lp := logSoftmax([]float32{0, 1, 2, 3, 4, 5})
	s1 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(lp)
		b := s2.Sample(lp)
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	lp := logSoftmax([]float32{-1, 5, 3, 7, 2})
	s := NewSampler(Config{Seed: 99, Temperature: 0})
	if !s.Greedy() {
		t.Fatal("temperature 0 should select greedy decoding")
	}
	for i := 0; i < 5; i++ {
		if idx := s.Sample(lp); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

// TestSamplerTopP constructs logits where the best candidate holds almost
// all the mass, so TopP=0.5 must truncate the shortlist to it alone.
func TestSamplerTopP(t *testing.T) {
	lp := logSoftmax([]float32{10, 0, 0, 0, 0})
	s := NewSampler(Config{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(lp); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerTopK(t *testing.T) {
	// Indices 3 and 4 are the two largest; TopK=2 must never return others.
	lp := logSoftmax([]float32{0, 0, 0, 4, 5})
	s := NewSampler(Config{Seed: 3, Temperature: 1.0, TopK: 2, TopP: 1.0})
	for i := 0; i < 50; i++ {
		idx := s.Sample(lp)
		if idx != 3 && idx != 4 {
			t.Fatalf("top-k sampling escaped the shortlist: %d", idx)
		}
	}
}

// TestSamplerMinP exercises the min-p floor in isolation (top-p disabled):
// candidates far below the best probability are discarded.
func TestSamplerMinP(t *testing.T) {
	lp := logSoftmax([]float32{8, 7.9, 0, 0, 0})
	s := NewSampler(Config{Seed: 11, Temperature: 1.0, TopK: 5, TopP: 1.0, MinP: 0.5})
	for i := 0; i < 50; i++ {
		idx := s.Sample(lp)
		if idx != 0 && idx != 1 {
			t.Fatalf("min-p should keep only the two near-equal candidates, got %d", idx)
		}
	}
}

// TestSamplerTopPThenMinP pins the filter ordering: top-p truncates before
// the min-p floor is applied. Probabilities {0.4, 0.25, 0.2, 0.15} with
// TopP=0.75 keep {0,1,2} (cumulative 0.85); min-p 0.45 then keeps all three,
// since 0.2/0.4 = 0.5 clears the floor. Running min-p first would instead
// renormalize over {0,1,2} and let top-p cut index 2 (0.47 + 0.29 >= 0.75),
// so observing index 2 distinguishes the orders. Index 3 must never appear.
func TestSamplerTopPThenMinP(t *testing.T) {
	probs := []float64{0.4, 0.25, 0.2, 0.15}
	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = float32(math.Log(p))
	}
	lp := logSoftmax(logits)

	s := NewSampler(Config{Seed: 17, Temperature: 1.0, TopK: 4, TopP: 0.75, MinP: 0.45})
	seen := make(map[int]bool)
	for i := 0; i < 300; i++ {
		idx := s.Sample(lp)
		if idx == 3 {
			t.Fatalf("draw %d escaped the top-p truncation: index 3", i)
		}
		seen[idx] = true
	}
	if !seen[2] {
		t.Fatal("index 2 never drawn: min-p floor applied before top-p truncation")
	}
}

func TestRepetitionPenaltyProcessor(t *testing.T) {
	p := RepetitionPenalty(2.0, 64)
	logits := []float32{4, -4, 2}
	history := []int{0, 1}
	out := p(history, logits)
	if out[0] != 2 {
		t.Errorf("positive logit: got %v, want 2", out[0])
	}
	if out[1] != -8 {
		t.Errorf("negative logit: got %v, want -8", out[1])
	}
	if out[2] != 2 {
		t.Errorf("unseen token changed: got %v, want 2", out[2])
	}
}

func TestRepetitionPenaltyWindow(t *testing.T) {
	p := RepetitionPenalty(2.0, 2)
	logits := []float32{4, 4, 4}
	// Token 0 is outside the lastN=2 window.
	out := p([]int{0, 1, 2}, logits)
	if out[0] != 4 {
		t.Errorf("token outside window penalized: got %v", out[0])
	}
	if out[1] != 2 || out[2] != 2 {
		t.Errorf("tokens inside window not penalized: got %v, %v", out[1], out[2])
	}
}

func TestLogitBiasProcessor(t *testing.T) {
	p := LogitBias(map[int]float32{1: -100, 7: 5})
	logits := []float32{0, 0, 0}
	out := p(nil, logits)
	if out[1] != -100 {
		t.Errorf("bias not applied: got %v", out[1])
	}
	if out[0] != 0 || out[2] != 0 {
		t.Errorf("unbiased tokens changed: %v", out)
	}
}
