// Package sampling implements token selection over model log-probabilities:
// a configurable sampler pipeline, logits processors, and the router that
// picks the (sampler, processor-chain) pair for the active grammar state.
package sampling

import (
	"math"
	"math/rand"
)

// Config configures the behaviour of a Sampler.
type Config struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
}

// Sampler draws a token id from a log-probability vector. The filters are
// applied in a fixed order: temperature scaling, then top-k, then top-p over
// the remaining mass, then a min-p floor with re-normalization. The filters
// do not commute, so this ordering is part of the contract and is covered by
// tests rather than left to the implementation.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler for the provided configuration. A
// non-positive temperature selects greedy (argmax) decoding. TopK <= 0
// disables the top-k filter, TopP outside (0,1) disables top-p, and
// MinP <= 0 disables the min-p floor.
func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.MinP < 0 {
		cfg.MinP = 0
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax token.
func (s *Sampler) Greedy() bool {
	return s.greedy
}

// Sample selects a token id from the given log-probability vector.
func (s *Sampler) Sample(logprobs []float32) int {
	if s.greedy {
		return argmax(logprobs)
	}

	invTemp := float32(1.0) / s.cfg.Temperature

	k := s.cfg.TopK
	if k <= 0 || k > len(logprobs) {
		k = len(logprobs)
	}

	topIdx, topVal := s.topK(logprobs, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	// Softmax over the shortlist. topVal is sorted descending so topVal[0]
	// is the maximum for stability.
	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	// Top-p: truncate the shortlist once the cumulative mass reaches TopP,
	// then renormalize the survivors.
	if s.cfg.TopP < 1 {
		cut := len(prob)
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
		if cut < len(prob) {
			prob = prob[:cut]
			topIdx = topIdx[:cut]
			renormalize(prob)
		}
	}

	// Min-p: drop candidates below a fraction of the best probability.
	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		newLen := 0
		for i := range prob {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				newLen++
			}
		}
		if newLen < len(prob) {
			prob = prob[:newLen]
			topIdx = topIdx[:newLen]
			renormalize(prob)
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := range prob {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[len(topIdx)-1]
}

func renormalize(prob []float64) {
	var sum float64
	for _, p := range prob {
		sum += p
	}
	if sum <= 0 {
		return
	}
	inv := 1.0 / sum
	for i := range prob {
		prob[i] *= inv
	}
}

// argmax returns the index of the maximum value. It panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements, scaled by
// invTemp, ordered from largest to smallest. O(V*K), fine for small K.
func (s *Sampler) topK(logprobs []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logprobs {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
