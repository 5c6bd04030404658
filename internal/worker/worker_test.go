package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/strandml/strand/internal/cache"
	"github.com/strandml/strand/internal/dispatch"
	"github.com/strandml/strand/internal/engine"
	"github.com/strandml/strand/internal/logger"
	"github.com/strandml/strand/internal/sampling"
)

type stubModel struct {
	vocab int
	fail  bool
}

func (m *stubModel) Forward(_ context.Context, tokens []int, pc *cache.PromptCache) ([]float32, error) {
	if m.fail {
		return nil, fmt.Errorf("device lost")
	}
	pos := pc.Len() + len(tokens)
	logits := make([]float32, m.vocab)
	logits[pos%m.vocab] = 10
	return logits, nil
}

type stubTokenizer struct{}

func (stubTokenizer) Decode(tokens []int) (string, error) {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = fmt.Sprintf("<%d>", t)
	}
	return strings.Join(parts, ""), nil
}

func greedy() sampling.Params {
	return sampling.Params{Temperature: sampling.Float64(0)}
}

func collect(t *testing.T, w *Worker) []dispatch.Delta {
	t.Helper()
	var got []dispatch.Delta
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d, err := w.ReceiveNext(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if d == nil {
			continue
		}
		got = append(got, *d)
		if d.IsFinal {
			return got
		}
	}
	t.Fatal("no final delta before deadline")
	return nil
}

func TestWorkerEndToEnd(t *testing.T) {
	w := New(&stubModel{vocab: 10}, stubTokenizer{}, nil, Config{}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	err := w.Submit(Request{
		ID:        7,
		Prompt:    []int{1, 2, 3},
		Params:    greedy(),
		MaxTokens: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := collect(t, w)
	if len(got) != 4 {
		t.Fatalf("expected 3 token deltas plus a final, got %d: %+v", len(got), got)
	}
	for i, d := range got {
		if d.RequestID != 7 {
			t.Fatalf("delta %d tagged %d, want 7", i, d.RequestID)
		}
	}
	if got[0].Text != "<3>" || got[1].Text != "<4>" || got[2].Text != "<5>" {
		t.Fatalf("unexpected texts: %+v", got)
	}
	final := got[3]
	if !final.IsFinal || final.FinishReason != string(engine.FinishLength) {
		t.Fatalf("unexpected final delta: %+v", final)
	}
}

func TestWorkerSessionErrorEmitsTerminalDelta(t *testing.T) {
	w := New(&stubModel{vocab: 10, fail: true}, stubTokenizer{}, nil, Config{}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if err := w.Submit(Request{ID: 1, Prompt: []int{1}, Params: greedy(), MaxTokens: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := collect(t, w)
	final := got[len(got)-1]
	if final.Error == "" || final.FinishReason != string(engine.FinishUnknown) {
		t.Fatalf("session error not surfaced as terminal delta: %+v", final)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	w := New(&stubModel{vocab: 10}, stubTokenizer{}, nil, Config{QueueDepth: 1}, logger.Nop())
	// Worker not running: the first submit fills the queue.
	if err := w.Submit(Request{ID: 1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := w.Submit(Request{ID: 2}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestReceiveAfterShutdownIsFatal(t *testing.T) {
	w := New(&stubModel{vocab: 10}, stubTokenizer{}, nil, Config{}, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()
	cancel()
	<-done

	_, err := w.ReceiveNext(10 * time.Millisecond)
	if !errors.Is(err, dispatch.ErrTransportFatal) {
		t.Fatalf("expected transport fatal after shutdown, got %v", err)
	}
}
