// Package api exposes the OpenAI-compatible HTTP surface. Handlers never
// touch the model: they allocate a request id, register a response queue,
// submit the job to the worker, and drain tagged deltas back out.
package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/strandml/strand/internal/dispatch"
	"github.com/strandml/strand/internal/grammar"
	"github.com/strandml/strand/internal/logger"
	"github.com/strandml/strand/internal/worker"
)

// Submitter hands a generation job to the compute worker.
type Submitter interface {
	Submit(req worker.Request) error
}

// PromptEncoder turns chat messages and raw text into token ids. The
// implementation owns the chat template and vocabulary.
type PromptEncoder interface {
	EncodeChat(msgs []ChatMessage, tools []ChatTool) ([]int, error)
	Encode(text string) ([]int, error)
}

// GrammarCompiler builds a constraint engine for structured output. Nil
// disables structured output support.
type GrammarCompiler func(cfg grammar.Config) (grammar.Engine, error)

// Config tunes the HTTP surface.
type Config struct {
	// Model is the model id reported in completion bodies.
	Model string
	// DrainTimeout bounds the wait for the next delta; <= 0 uses 30s.
	DrainTimeout time.Duration
	// MaxTokens caps max_tokens regardless of the request; <= 0 uses 1024.
	MaxTokens int
	// SubmitRate limits accepted completions per second; 0 means unlimited.
	SubmitRate rate.Limit
	// SubmitBurst is the limiter burst; <= 0 uses 4.
	SubmitBurst int
}

const (
	defaultDrainTimeout = 30 * time.Second
	defaultMaxTokens    = 1024
)

// Server wires the chat completion endpoints to the registry and worker.
type Server struct {
	reg     *dispatch.Registry
	sub     Submitter
	enc     PromptEncoder
	compile GrammarCompiler
	limiter *rate.Limiter
	cfg     Config
	log     logger.Logger
	clock   func() time.Time
}

func NewServer(reg *dispatch.Registry, sub Submitter, enc PromptEncoder, compile GrammarCompiler, cfg Config, log logger.Logger) *Server {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Model == "" {
		cfg.Model = "strand"
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 4
	}
	limit := cfg.SubmitRate
	if limit <= 0 {
		limit = rate.Inf
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		reg:     reg,
		sub:     sub,
		enc:     enc,
		compile: compile,
		limiter: rate.NewLimiter(limit, cfg.SubmitBurst),
		cfg:     cfg,
		log:     log,
		clock:   time.Now,
	}
}

// Register installs all routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/health", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:         "ok",
		ActiveRequests: s.reg.Active(),
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.cfg.Model,
			"object":   "model",
			"created":  s.clock().Unix(),
			"owned_by": "local",
		}},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
