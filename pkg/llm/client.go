// Package llm provides the client for the external LLM provider.
// The provider is treated as a request/response API returning text,
// tool calls and token counts over an OpenAI-compatible HTTP surface.
package llm

import (
	"context"
	"errors"

	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/tools"
)

// ErrNonRetryable marks provider errors that must not be retried
// (authentication failures, invalid requests).
var ErrNonRetryable = errors.New("non-retryable llm error")

// ErrTransient marks provider errors that are worth retrying
// (network failures, timeouts, 5xx, rate limits).
var ErrTransient = errors.New("transient llm error")

// Request is one completion call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []model.Message
	Tools       []tools.Descriptor // nil = no tools bound
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the provider's answer: assistant text and/or tool calls.
type Response struct {
	Content   string
	ToolCalls []model.ToolCall
	Usage     Usage
}

// StreamFunc receives incremental content deltas during a completion.
// It is invoked from the client's goroutine; implementations must be fast
// or hand off to a channel.
type StreamFunc func(delta string)

// Client is the LLM provider interface.
type Client interface {
	// Complete sends a conversation and returns the full response.
	// onDelta may be nil; when set, content chunks are delivered as they
	// stream in, and Response.Content carries the accumulated text.
	Complete(ctx context.Context, req Request, onDelta StreamFunc) (*Response, error)

	// Close releases underlying connections.
	Close() error
}
