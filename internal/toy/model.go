// Package toy provides a small deterministic language model and byte-level
// tokenizer. It exists so the server, the decode loop and the dispatch path
// can run end to end without real model weights; it is also used as a
// reference model in tests.
package toy

import (
	"context"
	"fmt"

	"github.com/strandml/strand/internal/cache"
)

// State is the per-session layer buffer the model keeps in the prompt
// cache: one hidden vector per computed position.
type State struct {
	hs [][]float32
}

// LM is a minimal recurrent language model: an embedding matrix, a decayed
// hidden state per position, and a projection back to vocab logits. Weights
// are filled deterministically from the seed, so identical (seed, prompt)
// pairs always produce identical logits.
type LM struct {
	Vocab  int
	Hidden int

	emb  [][]float32 // [Vocab][Hidden]
	w    [][]float32 // [Hidden][Vocab]
	bias []float32   // [Vocab]

	compactions int
}

// NewLM constructs a model with the given vocabulary and hidden size.
func NewLM(vocab, hidden int, seed int64) *LM {
	m := &LM{
		Vocab:  vocab,
		Hidden: hidden,
		emb:    fillMat(vocab, hidden, uint64(seed)+11),
		w:      fillMat(hidden, vocab, uint64(seed)+23),
		bias:   make([]float32, vocab),
	}
	return m
}

// Alloc returns the layer allocator handed to each session's prompt cache.
func (m *LM) Alloc() func() []cache.Layer {
	return func() []cache.Layer {
		return []cache.Layer{&State{}}
	}
}

// Forward processes the given token suffix on top of the cached positions
// and returns logits for the final position. The layer state is truncated
// to the cache offset first, which makes cache trims take effect here.
func (m *LM) Forward(ctx context.Context, tokens []int, pc *cache.PromptCache) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("toy: empty forward batch")
	}

	st, ok := pc.Layers()[0].(*State)
	if !ok {
		return nil, fmt.Errorf("toy: foreign layer state in cache")
	}
	if pc.Len() > len(st.hs) {
		return nil, fmt.Errorf("toy: cache offset %d ahead of state length %d", pc.Len(), len(st.hs))
	}
	st.hs = st.hs[:pc.Len()]

	for _, tok := range tokens {
		if tok < 0 || tok >= m.Vocab {
			return nil, fmt.Errorf("toy: token %d outside vocabulary of %d", tok, m.Vocab)
		}
		h := make([]float32, m.Hidden)
		if n := len(st.hs); n > 0 {
			prev := st.hs[n-1]
			for i := range h {
				h[i] = 0.5 * prev[i]
			}
		}
		for i := range h {
			h[i] += m.emb[tok][i]
		}
		st.hs = append(st.hs, h)
	}

	h := st.hs[len(st.hs)-1]
	logits := make([]float32, m.Vocab)
	copy(logits, m.bias)
	for i := 0; i < m.Hidden; i++ {
		hi := h[i]
		row := m.w[i]
		for j := 0; j < m.Vocab; j++ {
			logits[j] += hi * row[j]
		}
	}
	return logits, nil
}

// Compact satisfies the decode loop's compaction hook. The toy model keeps
// no compute graph, so it only counts invocations.
func (m *LM) Compact() {
	m.compactions++
}

func fillMat(rows, cols int, seed uint64) [][]float32 {
	rng := seed
	mat := make([][]float32, rows)
	for r := range mat {
		row := make([]float32, cols)
		for c := range row {
			rng = splitmix64(rng)
			// Map the top 24 bits into [-1, 1).
			row[c] = float32(rng>>40)/float32(1<<23) - 1
		}
		mat[r] = row
	}
	return mat
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
