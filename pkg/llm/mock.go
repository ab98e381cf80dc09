package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient is a test double that returns queued responses in order.
// It records every request for assertions. Safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	requests  []Request
	next      int
}

// ScriptedResponse is one queued turn. When Err is non-nil it is returned
// instead of the response.
type ScriptedResponse struct {
	Response Response
	Err      error
}

// NewScriptedClient queues the given turns.
func NewScriptedClient(turns ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: turns}
}

// Enqueue appends another scripted turn.
func (c *ScriptedClient) Enqueue(turn ScriptedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, turn)
}

// Complete implements Client.
func (c *ScriptedClient) Complete(ctx context.Context, req Request, onDelta StreamFunc) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.responses) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: scripted client exhausted after %d turns", ErrNonRetryable, len(c.responses))
	}
	turn := c.responses[c.next]
	c.next++
	c.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	if onDelta != nil && turn.Response.Content != "" {
		onDelta(turn.Response.Content)
	}
	resp := turn.Response
	return &resp, nil
}

// Close implements Client.
func (c *ScriptedClient) Close() error { return nil }

// Requests returns a copy of all recorded requests.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// CallCount returns how many completions were requested.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
