package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/strandml/strand/internal/logger"
)

func TestNextIDMonotonic(t *testing.T) {
	r := NewRegistry(4, logger.Nop())
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		id := r.NextID()
		if id <= prev {
			t.Fatalf("id %d not strictly increasing after %d", id, prev)
		}
		prev = id
	}
}

func TestNextIDWrapsNearOverflow(t *testing.T) {
	r := NewRegistry(4, logger.Nop())
	r.nextID = math.MaxUint64 - idWrapMargin
	if id := r.NextID(); id != 1 {
		t.Fatalf("expected wrap to 1, got %d", id)
	}
	if id := r.NextID(); id != 2 {
		t.Fatalf("expected 2 after wrap, got %d", id)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry(4, logger.Nop())
	q1 := r.Register(1)
	q2 := r.Register(1)
	if q1 != q2 {
		t.Fatal("re-registering an id replaced its queue")
	}
	if r.Active() != 1 {
		t.Fatalf("active = %d, want 1", r.Active())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := NewRegistry(4, logger.Nop())
	r.Register(1)
	r.Remove(1)
	r.Remove(1) // already absent: no-op
	r.Remove(42)
	if r.Active() != 0 {
		t.Fatalf("active = %d, want 0", r.Active())
	}
}

func TestDrainUntilFinal(t *testing.T) {
	r := NewRegistry(8, logger.Nop())
	id := r.NextID()
	r.Register(id)
	q, _ := r.queue(id)

	q <- Delta{RequestID: id, Text: "a"}
	q <- Delta{RequestID: id, Text: "b"}
	q <- Delta{RequestID: id, IsFinal: true, FinishReason: "stop"}

	var got []Delta
	err := r.Drain(context.Background(), id, time.Second, func(d Delta) bool {
		got = append(got, d)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || !got[2].IsFinal {
		t.Fatalf("unexpected stream: %+v", got)
	}
	if got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestDrainTimeout(t *testing.T) {
	r := NewRegistry(8, logger.Nop())
	id := r.NextID()
	r.Register(id)

	err := r.Drain(context.Background(), id, 20*time.Millisecond, func(Delta) bool { return true })
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
}

func TestNextCancelled(t *testing.T) {
	r := NewRegistry(8, logger.Nop())
	r.Register(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Next(ctx, 1, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
