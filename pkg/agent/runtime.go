package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coderelay/relay/pkg/llm"
	"github.com/coderelay/relay/pkg/metrics"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/tools"
)

// DefaultHopLimit bounds the tool-call loop within one invocation.
const DefaultHopLimit = 8

// taskDescriptionLimit truncates the task text used for tool selection.
const taskDescriptionLimit = 500

// bindingCacheSize bounds the LLM binding cache.
const bindingCacheSize = 200

// Error marks an agent invocation failure that the engine maps to a
// failed node.
type Error struct {
	Agent string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("agent %s: %v", e.Agent, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ToolExecutor runs a tool call and returns its textual result.
type ToolExecutor interface {
	Execute(ctx context.Context, call model.ToolCall) (string, error)
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, call model.ToolCall) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, call model.ToolCall) (string, error) {
	return f(ctx, call)
}

// binding is a cached LLM attachment: the resolved tool set for one
// (agent, tool_hash) pair, ready to hand to the provider.
type binding struct {
	hash        string
	descriptors []tools.Descriptor
}

// Result is the outcome of one agent invocation.
type Result struct {
	// Delta carries the new messages and the current-agent marker; it
	// never rewrites history.
	Delta model.Delta
	// HopLimitReached is set when the tool-call loop hit its bound and
	// the last assistant message was returned as-is.
	HopLimitReached bool
	// Content is the final assistant text, for streaming consumers.
	Content string
}

// Runtime drives agent conversations against the LLM.
type Runtime struct {
	llm      llm.Client
	catalog  *tools.Catalog
	executor ToolExecutor
	bindings *lru.Cache[string, *binding]
	maxTools int
	hopLimit int
	logger   *slog.Logger
}

// NewRuntime wires an agent runtime. client should already carry the
// retry policy. maxTools/hopLimit of 0 select the defaults.
func NewRuntime(client llm.Client, catalog *tools.Catalog, executor ToolExecutor, maxTools, hopLimit int) (*Runtime, error) {
	if maxTools <= 0 {
		maxTools = tools.DefaultMaxTools
	}
	if hopLimit <= 0 {
		hopLimit = DefaultHopLimit
	}
	cache, err := lru.New[string, *binding](bindingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating binding cache: %w", err)
	}
	return &Runtime{
		llm:      client,
		catalog:  catalog,
		executor: executor,
		bindings: cache,
		maxTools: maxTools,
		hopLimit: hopLimit,
		logger:   slog.Default().With("component", "agent-runtime"),
	}, nil
}

// Invoke runs one agent turn: select tools, bind, then loop LLM calls
// and tool executions until the LLM stops calling tools or the hop
// limit is reached. onDelta receives streamed content chunks; may be nil.
//
// The returned delta contains only the messages this invocation
// produced; the system prompt is per-invocation context and is never
// persisted into the thread history.
func (r *Runtime) Invoke(ctx context.Context, def Definition, state model.WorkflowState, onDelta llm.StreamFunc) (Result, error) {
	task := truncateTask(state.LastUserMessage())

	snap := r.catalog.Snapshot(ctx)
	selected := tools.Select(task, def.Profile, def.ToolStrategy, snap, r.maxTools)
	b := r.bindingFor(def.Name, selected)

	convo := make([]model.Message, 0, len(state.Messages)+1)
	if !hasSystemPrompt(state.Messages, def.SystemPrompt) {
		convo = append(convo, model.SystemMessage(def.SystemPrompt))
	}
	convo = append(convo, state.Messages...)

	var produced []model.Message
	var last *llm.Response
	hopLimitReached := false

	for hop := 0; ; hop++ {
		if hop >= r.hopLimit {
			hopLimitReached = true
			r.logger.Warn("Agent hop limit reached", "agent", def.Name, "hops", hop)
			break
		}

		start := time.Now()
		resp, err := r.llm.Complete(ctx, llm.Request{
			Model:       def.Model,
			Temperature: def.Temperature,
			MaxTokens:   def.MaxTokens,
			Messages:    convo,
			Tools:       b.descriptors,
		}, onDelta)
		metrics.LLMLatency.Observe(time.Since(start).Seconds())
		metrics.LLMCalls.WithLabelValues(def.Name, def.Model).Inc()
		if err != nil {
			return Result{}, &Error{Agent: def.Name, Err: err}
		}
		last = resp

		assistant := model.AssistantMessage(resp.Content, resp.ToolCalls...)
		convo = append(convo, assistant)
		produced = append(produced, assistant)

		if len(resp.ToolCalls) == 0 {
			break
		}

		for _, call := range resp.ToolCalls {
			output, err := r.executor.Execute(ctx, call)
			if err != nil {
				// Tool failures go back to the LLM as results; the
				// model decides how to proceed.
				output = fmt.Sprintf("tool error: %v", err)
				r.logger.Warn("Tool execution failed", "agent", def.Name, "tool", call.Name, "error", err)
			}
			toolMsg := model.ToolMessage(call.ID, call.Name, output)
			convo = append(convo, toolMsg)
			produced = append(produced, toolMsg)
		}
	}

	res := Result{
		Delta: model.Delta{
			Messages:     produced,
			CurrentAgent: def.Name,
		},
		HopLimitReached: hopLimitReached,
	}
	if last != nil {
		res.Content = last.Content
	}
	return res, nil
}

// Respond runs a single completion for a direct question: system prompt
// plus the user message, no tool binding, no catalog snapshot, nothing
// persisted. The chat surface uses it so a plain question leaves no
// trace in the checkpoint store. onDelta may be nil.
func (r *Runtime) Respond(ctx context.Context, def Definition, message string, onDelta llm.StreamFunc) (string, error) {
	start := time.Now()
	resp, err := r.llm.Complete(ctx, llm.Request{
		Model:       def.Model,
		Temperature: def.Temperature,
		MaxTokens:   def.MaxTokens,
		Messages: []model.Message{
			model.SystemMessage(def.SystemPrompt),
			model.UserMessage(message),
		},
	}, onDelta)
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	metrics.LLMCalls.WithLabelValues(def.Name, def.Model).Inc()
	if err != nil {
		return "", &Error{Agent: def.Name, Err: err}
	}
	return resp.Content, nil
}

// bindingFor returns the cached binding for (agent, tool set), creating
// it on miss. The LRU's get-or-insert is safe for concurrent callers;
// duplicate creation on a race is harmless.
func (r *Runtime) bindingFor(agentName string, selected []tools.Descriptor) *binding {
	hash := tools.Hash(selected)
	key := agentName + "/" + hash
	if b, ok := r.bindings.Get(key); ok {
		return b
	}
	b := &binding{hash: hash, descriptors: selected}
	r.bindings.Add(key, b)
	return b
}

// truncateTask caps the task text used for tool selection at
// taskDescriptionLimit characters, counting runes so a multi-byte
// character is never split.
func truncateTask(task string) string {
	if utf8.RuneCountInString(task) <= taskDescriptionLimit {
		return task
	}
	runes := []rune(task)
	return string(runes[:taskDescriptionLimit])
}

func hasSystemPrompt(messages []model.Message, prompt string) bool {
	for _, m := range messages {
		if m.Role == model.RoleSystem && m.Content == prompt {
			return true
		}
	}
	return false
}
