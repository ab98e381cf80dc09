package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/model"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseInterval: time.Millisecond}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	inner := NewScriptedClient(
		ScriptedResponse{Err: fmt.Errorf("%w: connection reset", ErrTransient)},
		ScriptedResponse{Err: fmt.Errorf("%w: 503", ErrTransient)},
		ScriptedResponse{Response: Response{Content: "done"}},
	)
	client := NewRetryingClient(inner, fastRetry())

	resp, err := client.Complete(context.Background(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 3, inner.CallCount())
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := NewScriptedClient(
		ScriptedResponse{Err: fmt.Errorf("%w: timeout", ErrTransient)},
		ScriptedResponse{Err: fmt.Errorf("%w: timeout", ErrTransient)},
		ScriptedResponse{Err: fmt.Errorf("%w: timeout", ErrTransient)},
	)
	client := NewRetryingClient(inner, fastRetry())

	_, err := client.Complete(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, inner.CallCount())
}

func TestNoRetryOnNonRetryable(t *testing.T) {
	inner := NewScriptedClient(
		ScriptedResponse{Err: fmt.Errorf("%w: invalid api key", ErrNonRetryable)},
		ScriptedResponse{Response: Response{Content: "never reached"}},
	)
	client := NewRetryingClient(inner, fastRetry())

	_, err := client.Complete(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrNonRetryable)
	assert.Equal(t, 1, inner.CallCount())
}

func TestNoRetryAfterStreamedContent(t *testing.T) {
	inner := &streamThenFailClient{}
	client := NewRetryingClient(inner, fastRetry())

	var got string
	_, err := client.Complete(context.Background(), Request{}, func(delta string) { got += delta })
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "partial", got)
	assert.Equal(t, 1, inner.calls)
}

type streamThenFailClient struct{ calls int }

func (c *streamThenFailClient) Complete(_ context.Context, _ Request, onDelta StreamFunc) (*Response, error) {
	c.calls++
	if onDelta != nil {
		onDelta("partial")
	}
	return nil, fmt.Errorf("%w: connection dropped mid-stream", ErrTransient)
}

func (c *streamThenFailClient) Close() error { return nil }

func TestScriptedClientRecordsRequests(t *testing.T) {
	inner := NewScriptedClient(ScriptedResponse{Response: Response{Content: "hi"}})

	req := Request{
		Model:    "gpt-4o-mini",
		Messages: []model.Message{model.UserMessage("hello")},
	}
	_, err := inner.Complete(context.Background(), req, nil)
	require.NoError(t, err)

	recorded := inner.Requests()
	require.Len(t, recorded, 1)
	assert.Equal(t, "gpt-4o-mini", recorded[0].Model)
}
