// Package dispatch fans out the single stream of generation deltas coming
// from the compute worker to many concurrent request handlers: a registry of
// per-request bounded queues and one long-lived dispatcher loop routing by
// request id.
package dispatch

// Delta is an incremental unit of generation output tagged with the request
// it belongs to. The dispatcher consumes each delta exactly once for
// routing; per request id, delivery order equals production order.
type Delta struct {
	RequestID    uint64 `json:"request_id"`
	Tokens       []int  `json:"tokens,omitempty"`
	Text         string `json:"text,omitempty"`
	IsFinal      bool   `json:"is_final"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Error carries a session failure to the request owner. A request that
	// errors mid-stream still receives a terminal delta, never a hang.
	Error string `json:"error,omitempty"`
}
