package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/tools"
)

// capturedRequest decodes the wire fields the tests assert on.
type capturedRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
	Tools  []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func TestOpenAICompleteWithToolCalls(t *testing.T) {
	var captured capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "write_file", "arguments": "{\"path\":\"README.md\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL+"/v1", "test-key", 5*time.Second)
	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []model.Message{model.UserMessage("update the README")},
		Tools:    []tools.Descriptor{{Name: "write_file", Description: "write a file"}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "write_file", resp.ToolCalls[0].Name)
	assert.Equal(t, 52, resp.Usage.TotalTokens)

	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "function", captured.Tools[0].Type)
	assert.Equal(t, "write_file", captured.Tools[0].Function.Name)
	assert.False(t, captured.Stream)
}

func TestOpenAICompleteStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "k", 5*time.Second)

	var deltas []string
	resp, err := client.Complete(context.Background(), Request{Model: "gpt-4o"}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrTransient, true},
		{"server error", http.StatusBadGateway, ErrTransient, true},
		{"auth failure", http.StatusUnauthorized, ErrNonRetryable, false},
		{"bad request", http.StatusBadRequest, ErrNonRetryable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&requests, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			client := NewOpenAIClient(srv.URL, "k", 5*time.Second)
			_, err := client.Complete(context.Background(), Request{Model: "gpt-4o"}, nil)
			assert.ErrorIs(t, err, tt.wantErr)
			// Retrying is RetryingClient's job; the transport makes one attempt.
			assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
		})
	}
}
