// Package cache holds the prefix cache for a single generation session: the
// token history that has already passed through the model and the per-layer
// attention state derived from it.
package cache

import (
	"errors"
	"fmt"
	"slices"
)

// ErrCoherency is reported when an incoming token sequence does not share its
// prefix with the cached history. A divergent cache means session management
// upstream handed this cache the wrong sequence; recomputing silently would
// mask that bug.
var ErrCoherency = errors.New("cache coherency violation")

// CoherencyError carries the position of the first mismatched token.
type CoherencyError struct {
	Position int
	Want     int
	Got      int
}

func (e *CoherencyError) Error() string {
	return fmt.Sprintf("cache coherency violation at position %d: cached token %d, incoming token %d", e.Position, e.Want, e.Got)
}

func (e *CoherencyError) Unwrap() error {
	return ErrCoherency
}

// Layer is an opaque per-layer cache buffer. The model owns its contents; the
// prompt cache only tracks which token history the buffers correspond to.
type Layer any

// PromptCache tracks the tokens already processed by the model and the layer
// buffers holding their attention state. A cache is exclusively owned by one
// active session and must never be shared.
type PromptCache struct {
	computedIDs []int
	layers      []Layer
	offset      int
	alloc       func() []Layer
}

// New returns an empty cache. The allocator is invoked lazily on first use so
// idle sessions hold no buffer memory.
func New(alloc func() []Layer) *PromptCache {
	return &PromptCache{alloc: alloc}
}

// Remainder returns the suffix of tokens not yet represented in the cache.
// An empty cache yields the entire input. If the input's prefix diverges from
// the cached history, a CoherencyError is returned.
func (c *PromptCache) Remainder(tokens []int) ([]int, error) {
	if len(tokens) < len(c.computedIDs) {
		return nil, &CoherencyError{Position: len(tokens), Want: c.computedIDs[len(tokens)], Got: -1}
	}
	for i, id := range c.computedIDs {
		if tokens[i] != id {
			return nil, &CoherencyError{Position: i, Want: id, Got: tokens[i]}
		}
	}
	return tokens[len(c.computedIDs):], nil
}

// Update records that the model has processed the given tokens, advancing the
// cache offset by the same amount.
func (c *PromptCache) Update(tokens []int) {
	c.computedIDs = append(c.computedIDs, tokens...)
	c.offset += len(tokens)
}

// ComputedIDs exposes the full processed history for processors that need
// recent-token context, such as repetition penalties. Callers must not mutate
// the returned slice.
func (c *PromptCache) ComputedIDs() []int {
	return c.computedIDs
}

// Len returns the number of cached tokens.
func (c *PromptCache) Len() int {
	return c.offset
}

// Layers materializes and returns the per-layer buffers. Allocation happens
// on the first call.
func (c *PromptCache) Layers() []Layer {
	if c.layers == nil && c.alloc != nil {
		c.layers = c.alloc()
	}
	return c.layers
}

// Allocated reports whether the layer buffers have been materialized.
func (c *PromptCache) Allocated() bool {
	return c.layers != nil
}

// Trim drops the last n tokens from the history so they will be recomputed.
// Used when an incoming prompt is fully cached: the model still needs at
// least one input token to produce logits. The model truncates its buffers
// to the cache offset on the next forward pass.
func (c *PromptCache) Trim(n int) {
	if n > len(c.computedIDs) {
		n = len(c.computedIDs)
	}
	c.computedIDs = c.computedIDs[:len(c.computedIDs)-n]
	c.offset -= n
}

// Reset drops the history and buffers, returning the cache to its initial
// empty state.
func (c *PromptCache) Reset() {
	c.computedIDs = c.computedIDs[:0]
	c.layers = nil
	c.offset = 0
}

// Snapshot returns a copy of the processed history.
func (c *PromptCache) Snapshot() []int {
	return slices.Clone(c.computedIDs)
}
