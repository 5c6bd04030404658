package sampling

// Processor adjusts a logits vector given the token history processed so
// far. Processors must be pure with respect to everything except the logits
// slice they return; they run in registration order.
type Processor func(history []int, logits []float32) []float32

// RepetitionPenalty returns a processor that penalizes tokens seen in the
// last lastN entries of the history. Positive logits are divided by the
// penalty, negative ones multiplied, following the usual convention.
func RepetitionPenalty(penalty float32, lastN int) Processor {
	if lastN <= 0 {
		lastN = 64
	}
	return func(history []int, logits []float32) []float32 {
		if penalty <= 1 || len(history) == 0 {
			return logits
		}
		start := len(history) - lastN
		if start < 0 {
			start = 0
		}
		seen := make(map[int]struct{}, lastN)
		for _, id := range history[start:] {
			if id >= 0 && id < len(logits) {
				seen[id] = struct{}{}
			}
		}
		for id := range seen {
			if logits[id] > 0 {
				logits[id] /= penalty
			} else {
				logits[id] *= penalty
			}
		}
		return logits
	}
}

// LogitBias returns a processor that adds a fixed bias to selected token ids.
func LogitBias(bias map[int]float32) Processor {
	return func(_ []int, logits []float32) []float32 {
		for id, b := range bias {
			if id >= 0 && id < len(logits) {
				logits[id] += b
			}
		}
		return logits
	}
}
