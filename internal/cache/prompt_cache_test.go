package cache

import (
	"errors"
	"slices"
	"testing"
)

func TestRemainderEmptyCache(t *testing.T) {
	c := New(nil)
	in := []int{1, 2, 3}
	got, err := c.Remainder(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got, in) {
		t.Fatalf("empty cache should require the entire input, got %v", got)
	}
}

// TestRemainderReuse verifies that a second call sharing a prefix only needs
// to process the new tokens, and that the full history accumulates.
func TestRemainderReuse(t *testing.T) {
	c := New(nil)

	first := []int{10, 11, 12}
	rem, err := c.Remainder(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Update(rem)

	second := []int{10, 11, 12, 13, 14}
	rem, err = c.Remainder(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(rem, []int{13, 14}) {
		t.Fatalf("expected only new tokens, got %v", rem)
	}
	c.Update(rem)

	if !slices.Equal(c.ComputedIDs(), second) {
		t.Fatalf("history = %v, want %v", c.ComputedIDs(), second)
	}
	if c.Len() != len(second) {
		t.Fatalf("offset = %d, want %d", c.Len(), len(second))
	}
}

func TestRemainderDivergence(t *testing.T) {
	c := New(nil)
	c.Update([]int{1, 2, 3})

	cases := [][]int{
		{1, 9, 3, 4}, // mismatched interior token
		{1, 2},       // shorter than the cached history
	}
	for _, in := range cases {
		_, err := c.Remainder(in)
		if !errors.Is(err, ErrCoherency) {
			t.Errorf("Remainder(%v): expected coherency error, got %v", in, err)
		}
	}

	var ce *CoherencyError
	_, err := c.Remainder([]int{1, 9, 3, 4})
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CoherencyError, got %T", err)
	}
	if ce.Position != 1 || ce.Want != 2 || ce.Got != 9 {
		t.Fatalf("unexpected error detail: %+v", ce)
	}
}

func TestLazyAllocation(t *testing.T) {
	calls := 0
	c := New(func() []Layer {
		calls++
		return make([]Layer, 4)
	})

	if c.Allocated() {
		t.Fatal("buffers allocated before first use")
	}
	if calls != 0 {
		t.Fatal("allocator invoked eagerly")
	}

	layers := c.Layers()
	if len(layers) != 4 || calls != 1 {
		t.Fatalf("expected one allocation of 4 layers, got %d layers after %d calls", len(layers), calls)
	}

	c.Layers()
	if calls != 1 {
		t.Fatalf("allocator invoked %d times, want 1", calls)
	}

	c.Reset()
	if c.Allocated() || c.Len() != 0 || len(c.ComputedIDs()) != 0 {
		t.Fatal("Reset did not return the cache to its initial state")
	}
}
