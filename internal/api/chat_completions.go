package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/strandml/strand/internal/dispatch"
	"github.com/strandml/strand/internal/engine"
	"github.com/strandml/strand/internal/grammar"
	"github.com/strandml/strand/internal/sampling"
	"github.com/strandml/strand/internal/worker"
)

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "")
	}

	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}

	prompt, err := s.enc.EncodeChat(req.Messages, req.Tools)
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("messages: %v", err))
	}

	stops, err := parseStops(req.Stop)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	bias, err := parseLogitBias(req.LogitBias)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	gram, err := s.buildGrammar(&req, stops)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	maxTokens := s.cfg.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 && *req.MaxTokens < maxTokens {
		maxTokens = *req.MaxTokens
	}

	id := s.reg.NextID()
	s.reg.Register(id)
	defer s.reg.Remove(id)

	job := worker.Request{
		ID:         id,
		Prompt:     prompt,
		Params:     chatParams(&req),
		LogitBias:  bias,
		MaxTokens:  maxTokens,
		StopTokens: s.encodeStopTokens(stops),
		Grammar:    gram,
	}
	if req.RepeatPenalty != nil {
		job.RepeatPenalty = *req.RepeatPenalty
	}

	if err := s.sub.Submit(job); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			return writeError(c, http.StatusServiceUnavailable, "server_error", "server is overloaded, try again later", "", "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	if req.Stream != nil && *req.Stream {
		return s.streamCompletion(c, id, completionID, created, model)
	}
	return s.gatherCompletion(c, id, completionID, created, model, len(prompt))
}

// gatherCompletion drains the request's delta queue into a single body.
func (s *Server) gatherCompletion(c *echo.Context, id uint64, completionID string, created int64, model string, promptTokens int) error {
	var (
		text      strings.Builder
		generated int
		reason    = string(engine.FinishUnknown)
		genErr    string
	)

	err := s.reg.Drain(c.Request().Context(), id, s.cfg.DrainTimeout, func(d dispatch.Delta) bool {
		if d.Error != "" {
			genErr = d.Error
			return false
		}
		if d.IsFinal {
			reason = d.FinishReason
			return true
		}
		text.WriteString(d.Text)
		generated += len(d.Tokens)
		return true
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrRequestTimeout) {
			return writeError(c, http.StatusGatewayTimeout, "timeout_error", "generation timed out", "", "")
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	if genErr != "" {
		return writeError(c, http.StatusInternalServerError, "server_error", genErr, "", "")
	}

	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: &ChatMessage{
				Role:    "assistant",
				Content: text.String(),
			},
			FinishReason: &reason,
		}},
		Usage: ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: generated,
			TotalTokens:      promptTokens + generated,
		},
	})
}

// streamCompletion relays deltas as SSE chunks as they arrive.
func (s *Server) streamCompletion(c *echo.Context, id uint64, completionID string, created int64, model string) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}

	chunk := func(choice ChatChoice) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatChoice{choice},
		}
	}

	if err := sendSSEChunk(res, chunk(ChatChoice{Delta: &ChatMessage{Role: "assistant"}})); err != nil {
		return err
	}
	flusher.Flush()

	reason := string(engine.FinishUnknown)
	err := s.reg.Drain(c.Request().Context(), id, s.cfg.DrainTimeout, func(d dispatch.Delta) bool {
		if d.Error != "" {
			_ = sendSSEChunk(res, map[string]any{"error": ErrorBody{Message: d.Error, Type: "server_error"}})
			flusher.Flush()
			return false
		}
		if d.IsFinal {
			reason = d.FinishReason
			return true
		}
		_ = sendSSEChunk(res, chunk(ChatChoice{Delta: &ChatMessage{Content: d.Text}}))
		flusher.Flush()
		return true
	})
	if err != nil {
		_ = sendSSEChunk(res, map[string]any{"error": ErrorBody{Message: err.Error(), Type: "server_error"}})
		flusher.Flush()
	}

	_ = sendSSEChunk(res, chunk(ChatChoice{Delta: &ChatMessage{}, FinishReason: &reason}))
	_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func sendSSEChunk(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

// buildGrammar compiles the constraint engine when the request asks for
// structured output. Plain text requests return nil.
func (s *Server) buildGrammar(req *ChatCompletionRequest, stops []string) (grammar.Engine, error) {
	format := ""
	if req.ResponseFormat != nil {
		format = req.ResponseFormat.Type
	}
	if (format == "" || format == "text") && len(req.Tools) == 0 {
		return nil, nil
	}
	if s.compile == nil {
		return nil, newInvalidRequest("structured output is not supported by this server")
	}

	cfg := grammar.Config{
		ResponseFormat: format,
		Stop:           stops,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Schema != nil {
		b, err := json.Marshal(req.ResponseFormat.Schema)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("response_format.json_schema: %v", err))
		}
		cfg.Schema = b
	}
	for _, t := range req.Tools {
		ts := grammar.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if t.Function.Parameters != nil {
			b, err := json.Marshal(t.Function.Parameters)
			if err != nil {
				return nil, newInvalidRequest(fmt.Sprintf("tools[%s].parameters: %v", t.Function.Name, err))
			}
			ts.Parameters = b
		}
		cfg.Tools = append(cfg.Tools, ts)
	}
	if choice, ok := req.ToolChoice.(string); ok {
		cfg.ToolChoice = choice
	}

	return s.compile(cfg)
}

// encodeStopTokens maps stop strings onto single token ids. Stops that do
// not encode to exactly one token cannot be matched during decode and are
// skipped with a warning.
func (s *Server) encodeStopTokens(stops []string) []int {
	var out []int
	for _, stop := range stops {
		ids, err := s.enc.Encode(stop)
		if err != nil || len(ids) != 1 {
			s.log.Warn("stop sequence is not a single token, ignoring", "stop", stop)
			continue
		}
		out = append(out, ids[0])
	}
	return out
}

func chatParams(req *ChatCompletionRequest) sampling.Params {
	var p sampling.Params
	if req.Temperature != nil {
		p.Temperature = sampling.Float64(*req.Temperature)
	}
	if req.TopP != nil {
		p.TopP = sampling.Float64(*req.TopP)
	}
	if req.TopK != nil {
		p.TopK = sampling.Int(*req.TopK)
	}
	if req.MinP != nil {
		p.MinP = sampling.Float64(*req.MinP)
	}
	if req.Seed != nil {
		p.Seed = sampling.Int64(*req.Seed)
	}
	return p
}

func parseStops(v any) ([]string, error) {
	switch stop := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{stop}, nil
	case []any:
		if len(stop) > 4 {
			return nil, newInvalidRequest("stop: at most 4 sequences are supported")
		}
		out := make([]string, 0, len(stop))
		for _, raw := range stop {
			str, ok := raw.(string)
			if !ok {
				return nil, newInvalidRequest("stop: expected string or array of strings")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, newInvalidRequest("stop: expected string or array of strings")
	}
}

func parseLogitBias(bias map[string]float32) (map[int]float32, error) {
	if len(bias) == 0 {
		return nil, nil
	}
	out := make(map[int]float32, len(bias))
	for key, v := range bias {
		tok, err := strconv.Atoi(key)
		if err != nil || tok < 0 {
			return nil, newInvalidRequest(fmt.Sprintf("logit_bias: invalid token id %q", key))
		}
		out[tok] = v
	}
	return out, nil
}
