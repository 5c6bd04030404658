package api

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
// Unset sampling fields fall back to the server's configured defaults.
type ChatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []ChatMessage       `json:"messages"`
	Temperature    *float64            `json:"temperature,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	TopK           *int                `json:"top_k,omitempty"`
	MinP           *float64            `json:"min_p,omitempty"`
	Seed           *int64              `json:"seed,omitempty"`
	Stream         *bool               `json:"stream,omitempty"`
	Stop           any                 `json:"stop,omitempty"`
	MaxTokens      *int                `json:"max_tokens,omitempty"`
	RepeatPenalty  *float64            `json:"repeat_penalty,omitempty"`
	LogitBias      map[string]float32  `json:"logit_bias,omitempty"`
	User           string              `json:"user,omitempty"`
	Tools          []ChatTool          `json:"tools,omitempty"`
	ToolChoice     any                 `json:"tool_choice,omitempty"`
	ResponseFormat *ChatResponseFormat `json:"response_format,omitempty"`
}

type ChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ChatResponseFormat struct {
	Type   string `json:"type,omitempty"`
	Schema any    `json:"json_schema,omitempty"`
}

// ChatCompletionResponse is the non-streaming chat completion body.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ErrorBody is the error envelope all failing endpoints return.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// HealthResponse reports server liveness and in-flight request count.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveRequests int    `json:"active_requests"`
}
