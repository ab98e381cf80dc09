package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/version"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// through the official SDK; baseURL selects the provider.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client. baseURL is the API root, e.g.
// "https://api.openai.com/v1". timeout bounds each completion call.
// SDK-level retries are disabled: the retry policy lives in
// RetryingClient so there is exactly one retry layer.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithHeader("User-Agent", version.Full()),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

// Close implements Client. The shared transport needs no teardown.
func (c *OpenAIClient) Close() error { return nil }

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request, onDelta StreamFunc) (*Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil {
		return c.stream(ctx, params, onDelta)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: response carried no choices", ErrTransient)
	}
	return translateMessage(completion.Choices[0].Message, completion.Usage), nil
}

// stream drives the SSE variant, forwarding content deltas as they
// arrive and accumulating the final message across chunks.
func (c *OpenAIClient) stream(ctx context.Context, params openai.ChatCompletionNewParams, onDelta StreamFunc) (*Response, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("%w: stream carried no choices", ErrTransient)
	}
	return translateMessage(acc.Choices[0].Message, acc.Usage), nil
}

func buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	for _, m := range req.Messages {
		u, err := toParamMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, u)
	}

	for _, t := range req.Tools {
		schema := shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if t.InputSchema != "" {
			if err := json.Unmarshal([]byte(t.InputSchema), &schema); err != nil {
				return params, fmt.Errorf("%w: tool %s schema: %w", ErrNonRetryable, t.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  schema,
		}))
	}
	return params, nil
}

func toParamMessage(m model.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case model.RoleUser:
		return openai.UserMessage(m.Content), nil
	case model.RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case model.RoleAssistant:
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("%w: unsupported message role %q", ErrNonRetryable, m.Role)
	}
}

func translateMessage(msg openai.ChatCompletionMessage, usage openai.CompletionUsage) *Response {
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	out.Usage = Usage{
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
	}
	return out
}

// classifyError sorts provider failures into the retryable and
// non-retryable sentinels. 429 and 5xx are transient; other HTTP
// statuses (auth, bad request) are not. Context errors pass through
// untouched so cancellation is never retried.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500 {
			return fmt.Errorf("%w: llm returned %d: %s", ErrTransient, apierr.StatusCode, apierr.Message)
		}
		return fmt.Errorf("%w: llm returned %d: %s", ErrNonRetryable, apierr.StatusCode, apierr.Message)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
