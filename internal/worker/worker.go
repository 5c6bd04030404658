// Package worker runs generation sessions for submitted requests on a
// single compute worker and emits tagged deltas for the response
// dispatcher. The tensor device serializes execution, so sessions are
// admitted one at a time; request handlers never touch session state.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/strandml/strand/internal/cache"
	"github.com/strandml/strand/internal/dispatch"
	"github.com/strandml/strand/internal/engine"
	"github.com/strandml/strand/internal/grammar"
	"github.com/strandml/strand/internal/logger"
	"github.com/strandml/strand/internal/sampling"
)

// ErrQueueFull is returned by Submit when the pending-request queue is at
// capacity; callers should surface it as backpressure, not retry blindly.
var ErrQueueFull = errors.New("worker queue full")

// Tokenizer decodes generated token ids into text for delta payloads.
// Encoding, vocabulary and template handling live with the collaborator
// that owns the tokenizer.
type Tokenizer interface {
	Decode(tokens []int) (string, error)
}

// Request is one submitted generation job. The ID is allocated by the
// request registry before submission.
type Request struct {
	ID     uint64
	Prompt []int

	Params        sampling.Params
	RepeatPenalty float64
	RepeatLastN   int
	LogitBias     map[int]float32

	MaxTokens  int
	StopTokens []int

	// Grammar constrains output shape; nil means free text.
	Grammar   grammar.Engine
	RootState string
	States    []sampling.StateConfig
}

// Config tunes the worker.
type Config struct {
	// QueueDepth bounds pending submissions; <= 0 uses 16.
	QueueDepth int
	// OutDepth bounds the outgoing delta channel; <= 0 uses 256.
	OutDepth int
	// Sessions is the number of concurrently admitted sessions; <= 0 uses
	// 1, the assumption the decode pipeline is built around.
	Sessions int64
	// Defaults are call-level sampling defaults under request overrides.
	Defaults sampling.Params
}

// Worker owns the model, admits sessions, and produces the delta stream.
// It implements dispatch.Source on the consumer side.
type Worker struct {
	model    engine.Model
	tok      Tokenizer
	alloc    func() []cache.Layer
	defaults sampling.Params

	pending chan Request
	out     chan dispatch.Delta
	sem     *semaphore.Weighted
	log     logger.Logger
}

// New returns a worker for the given model and tokenizer. alloc builds the
// per-session layer buffers; it is handed to each session's prompt cache
// for lazy materialization.
func New(model engine.Model, tok Tokenizer, alloc func() []cache.Layer, cfg Config, log logger.Logger) *Worker {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.OutDepth <= 0 {
		cfg.OutDepth = 256
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Worker{
		model:    model,
		tok:      tok,
		alloc:    alloc,
		defaults: cfg.Defaults,
		pending:  make(chan Request, cfg.QueueDepth),
		out:      make(chan dispatch.Delta, cfg.OutDepth),
		sem:      semaphore.NewWeighted(cfg.Sessions),
		log:      log,
	}
}

// Submit enqueues a request for generation. It never blocks; a full queue
// is reported as ErrQueueFull.
func (w *Worker) Submit(req Request) error {
	select {
	case w.pending <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes submitted requests until ctx is cancelled. Each session
// runs to completion before the next is admitted.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.pending:
			w.serve(ctx, req)
		}
	}
}

// ReceiveNext implements dispatch.Source. A closed worker reports a fatal
// transport error; an empty stream within the timeout reports no data.
func (w *Worker) ReceiveNext(timeout time.Duration) (*dispatch.Delta, error) {
	if w == nil || w.out == nil {
		return nil, dispatch.ErrTransportFatal
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-w.out:
		if !ok {
			return nil, dispatch.ErrTransportFatal
		}
		return &d, nil
	case <-timer.C:
		return nil, nil
	}
}

// serve runs one generation session and emits its delta stream, always
// ending with a terminal delta.
func (w *Worker) serve(ctx context.Context, req Request) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	log := w.log.With("request_id", req.ID)
	start := time.Now()

	router := sampling.NewRouter(log)
	rootID := req.RootState
	if rootID == "" {
		rootID = "root"
	}
	var constraint sampling.Processor
	if req.Grammar != nil {
		constraint = grammar.Processor(req.Grammar)
	}
	var penalties []sampling.Processor
	if req.RepeatPenalty > 1 {
		penalties = append(penalties, sampling.RepetitionPenalty(float32(req.RepeatPenalty), req.RepeatLastN))
	}
	if len(req.LogitBias) > 0 {
		penalties = append(penalties, sampling.LogitBias(req.LogitBias))
	}
	router.Configure(sampling.RouterConfig{
		Root:       rootID,
		Defaults:   w.defaults,
		Request:    req.Params,
		Constraint: constraint,
		Penalties:  penalties,
		States:     req.States,
	})

	pc := cache.New(w.alloc)
	loop := engine.NewLoop(w.model, pc, log)

	emitted := 0
	reason, err := loop.Run(ctx, engine.Params{
		Prompt:     req.Prompt,
		MaxTokens:  req.MaxTokens,
		StopTokens: req.StopTokens,
		Grammar:    req.Grammar,
		Router:     router,
	}, func(s engine.Step) {
		emitted++
		text, derr := w.tok.Decode([]int{s.Token})
		if derr != nil {
			log.Warn("token decode failed", "token", s.Token, "error", derr)
		}
		w.send(ctx, dispatch.Delta{
			RequestID: req.ID,
			Tokens:    []int{s.Token},
			Text:      text,
		})
	})

	if err != nil {
		log.Error("generation failed", "error", err, "tokens", emitted)
		w.send(ctx, dispatch.Delta{
			RequestID:    req.ID,
			IsFinal:      true,
			FinishReason: string(engine.FinishUnknown),
			Error:        err.Error(),
		})
		return
	}

	log.Info("generation finished",
		"reason", reason, "tokens", emitted, "duration", time.Since(start))
	w.send(ctx, dispatch.Delta{
		RequestID:    req.ID,
		IsFinal:      true,
		FinishReason: string(reason),
	})
}

func (w *Worker) send(ctx context.Context, d dispatch.Delta) {
	select {
	case w.out <- d:
	case <-ctx.Done():
	}
}
