// Package grammar defines the narrow contract to the external structuring
// engine that steers generation toward a target output shape (free text,
// structured JSON, tool calls). The engine's parsing and acceptance
// semantics live outside this repo; the decode loop only consumes the
// queries below.
package grammar

import "github.com/strandml/strand/internal/sampling"

// Engine is the consumer-side view of the structuring engine.
type Engine interface {
	// CurrentStateID returns the identifier of the active grammar state.
	// The decode loop uses it to select the sampler and processor chain.
	CurrentStateID() string

	// ProcessLogits masks or reweights logits so only grammar-legal tokens
	// remain viable.
	ProcessLogits(history []int, logits []float32) []float32

	// Sample selects a token, delegating to base for the final draw among
	// grammar-legal candidates.
	Sample(logprobs []float32, base func([]float32) int) (int, error)

	// Accepted reports whether the engine has reached an accepting state,
	// which terminates generation with finish reason tool_calls.
	Accepted() bool
}

// Processor adapts the engine's logits masking to a sampling.Processor so it
// can lead the root processor chain.
func Processor(e Engine) sampling.Processor {
	return func(history []int, logits []float32) []float32 {
		return e.ProcessLogits(history, logits)
	}
}

// Config mirrors the request fields that decide which grammar states exist:
// a response format (text, json_object, json_schema), the available tools,
// and the tool-choice policy. It is interpreted by the structuring engine;
// this package only carries it.
type Config struct {
	ResponseFormat string
	Schema         []byte
	Tools          []ToolSchema
	ToolChoice     string
	Stop           []string
}

// ToolSchema is one tool made available to the grammar.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  []byte
}
