// Package engine drives the stepwise autoregressive decode loop: prefill
// over the uncached prompt suffix, then one incremental step per generated
// token, with grammar-state-aware sampler selection and prefix-cache reuse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/strandml/strand/internal/cache"
	"github.com/strandml/strand/internal/grammar"
	"github.com/strandml/strand/internal/logger"
	"github.com/strandml/strand/internal/sampling"
)

// FinishReason classifies why a generation terminated.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishUnknown   FinishReason = "unknown"
)

// ErrCompute marks a failed forward pass. Compute errors are fatal to the
// session: retrying a partial forward pass against a mutated cache would
// corrupt cache coherency, so there is no token-level retry.
var ErrCompute = errors.New("compute error")

// ComputeError wraps the underlying forward-pass failure with the step at
// which it occurred.
type ComputeError struct {
	Step int
	Err  error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("forward pass failed at step %d: %v", e.Step, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

func (e *ComputeError) Is(target error) bool { return target == ErrCompute }

// Model is the opaque compute collaborator: token ids plus cache in, logits
// for the most recent position out. The model materializes the cache's layer
// buffers on first use and truncates them to the cache offset.
type Model interface {
	Forward(ctx context.Context, tokens []int, pc *cache.PromptCache) ([]float32, error)
}

// Compactor is optionally implemented by models that accumulate transient
// compute-graph state; Compact is called on a fixed cadence to bound memory
// growth over long generations.
type Compactor interface {
	Compact()
}

// CompactionInterval is the cadence, in emitted tokens, of Compact calls.
// A tunable constant, not a correctness requirement.
const CompactionInterval = 256

// Step is one emitted (token, distribution) pair.
type Step struct {
	Token    int
	Logprobs []float32
}

// Params configures one generation session.
type Params struct {
	Prompt []int

	// MaxTokens caps the number of emitted tokens; <= 0 means no cap.
	MaxTokens int

	// StopTokens terminate generation without being emitted.
	StopTokens []int

	// Grammar is the structuring engine for constrained output; nil for
	// free text.
	Grammar grammar.Engine

	// Router supplies the (sampler, processors) pair per grammar state.
	Router *sampling.Router
}

// Loop runs generation sessions against one model and one prompt cache. The
// cache is exclusively owned by the active session; a Loop must not be
// shared across concurrent sessions.
type Loop struct {
	model Model
	cache *cache.PromptCache
	log   logger.Logger
}

// NewLoop returns a decode loop over the given model and cache.
func NewLoop(model Model, pc *cache.PromptCache, log logger.Logger) *Loop {
	if log == nil {
		log = logger.Nop()
	}
	return &Loop{model: model, cache: pc, log: log}
}

type forwardResult struct {
	logits []float32
	err    error
}

// startForward issues the model compute for the given tokens. Exactly one
// forward is in flight at a time: the next one is only issued after the
// previous result has been received, which keeps cache updates ordered and
// bounds in-flight tensor memory to a single step.
func (l *Loop) startForward(ctx context.Context, tokens []int) <-chan forwardResult {
	ch := make(chan forwardResult, 1)
	go func() {
		logits, err := l.model.Forward(ctx, tokens, l.cache)
		ch <- forwardResult{logits: logits, err: err}
	}()
	return ch
}

// Run executes one generation session: prefill over the uncached suffix of
// the prompt, then incremental steps until a stop condition. emit is called
// once per generated token, overlapping the next step's compute. Session
// errors (cache divergence, compute failure) are returned; they abort only
// this generation.
func (l *Loop) Run(ctx context.Context, p Params, emit func(Step)) (FinishReason, error) {
	if p.Router == nil {
		return FinishUnknown, fmt.Errorf("sampling router is required")
	}

	suffix, err := l.cache.Remainder(p.Prompt)
	if err != nil {
		return FinishUnknown, err
	}
	if len(suffix) == 0 {
		// Fully cached prompt: recompute the final token so the model has
		// input to produce logits from.
		l.cache.Trim(1)
		suffix = p.Prompt[len(p.Prompt)-1:]
	}

	stopSet := make(map[int]struct{}, len(p.StopTokens))
	for _, t := range p.StopTokens {
		stopSet[t] = struct{}{}
	}

	l.log.Debug("prefill", "prompt", len(p.Prompt), "uncached", len(suffix))

	emitted := 0
	pending := suffix
	inflight := l.startForward(ctx, pending)

	for {
		if err := ctx.Err(); err != nil {
			return FinishUnknown, err
		}

		res := <-inflight
		if res.err != nil {
			return FinishUnknown, &ComputeError{Step: emitted, Err: res.err}
		}
		l.cache.Update(pending)

		stateID := p.Router.Root()
		if p.Grammar != nil {
			stateID = p.Grammar.CurrentStateID()
		}
		pair := p.Router.Select(stateID)

		logits := res.logits
		history := l.cache.ComputedIDs()
		for _, proc := range pair.Processors {
			logits = proc(history, logits)
		}

		logprobs := logSoftmax(logits)

		var token int
		if p.Grammar != nil {
			token, err = p.Grammar.Sample(logprobs, pair.Sampler.Sample)
			if err != nil {
				return FinishUnknown, fmt.Errorf("grammar sample at step %d: %w", emitted, err)
			}
		} else {
			token = pair.Sampler.Sample(logprobs)
		}

		if _, ok := stopSet[token]; ok {
			return FinishStop, nil
		}

		emitted++
		step := Step{Token: token, Logprobs: logprobs}

		if p.Grammar != nil && p.Grammar.Accepted() {
			emit(step)
			return FinishToolCalls, nil
		}
		if p.MaxTokens > 0 && emitted >= p.MaxTokens {
			emit(step)
			return FinishLength, nil
		}

		// Issue the next step's compute, then do this step's bookkeeping
		// while the result is being materialized.
		pending = []int{token}
		inflight = l.startForward(ctx, pending)
		emit(step)

		if emitted%CompactionInterval == 0 {
			if c, ok := l.model.(Compactor); ok {
				c.Compact()
			}
		}
	}
}

// logSoftmax normalizes logits into log-probabilities.
func logSoftmax(logits []float32) []float32 {
	maxv := logits[0]
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	lse := maxv + float32(math.Log(sum))
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}
