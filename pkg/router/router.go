// Package router classifies inbound user messages: slash commands
// first, then a lexical pre-filter, then an LLM classifier. The result
// decides whether a message is conversational or a task submission.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coderelay/relay/pkg/llm"
	"github.com/coderelay/relay/pkg/model"
)

// IntentType is the classification result category.
type IntentType string

const (
	TaskSubmission   IntentType = "task_submission"
	GeneralQuery     IntentType = "general_query"
	StatusQuery      IntentType = "status_query"
	Clarification    IntentType = "clarification"
	ApprovalDecision IntentType = "approval_decision"
)

// Task-submission confidence thresholds per session mode. Ask mode is
// deliberately conservative: a chat endpoint should rarely claim a
// message is a task.
const (
	AskModeThreshold   = 0.85
	AgentModeThreshold = 0.60
)

// Command is a recognised slash command.
type Command struct {
	Name string // without the slash
	Args string
}

// Recognised slash commands. Anything else starting with "/" is treated
// as plain text.
var knownCommands = map[string]bool{
	"execute": true,
	"help":    true,
	"status":  true,
	"cancel":  true,
}

// Intent is the final classification.
type Intent struct {
	Type            IntentType `json:"type"`
	Confidence      float64    `json:"confidence"`
	TaskType        string     `json:"task_type,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
	TaskDescription string     `json:"task_description,omitempty"`
}

// Decision is the router output: an optional command plus the intent.
type Decision struct {
	Command *Command
	Intent  Intent
}

// ParseCommand applies stage one: a trimmed message starting with "/"
// splits on the first whitespace. Unknown commands return ok=false.
func ParseCommand(message string) (Command, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	name, args, _ := strings.Cut(trimmed[1:], " ")
	name = strings.ToLower(name)
	if !knownCommands[name] {
		return Command{}, false
	}
	return Command{Name: name, Args: strings.TrimSpace(args)}, true
}

// Router performs the two-stage classification.
type Router struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// New creates a router. client may carry a retry policy; model is the
// classifier model name.
func New(client llm.Client, modelName string) *Router {
	return &Router{
		llm:    client,
		model:  modelName,
		logger: slog.Default().With("component", "router"),
	}
}

const classifierPrompt = `Classify the user's message into exactly one intent:
- task_submission: a request to perform engineering work (implement, fix, deploy, review, document)
- general_query: a question or conversation with no work requested
- status_query: asking about the progress of ongoing work
- clarification: answering or refining a previous exchange
- approval_decision: approving or rejecting a pending operation
Respond with JSON: {"type": <intent>, "confidence": <0..1>, "task_type": <optional short label>, "reasoning": <one sentence>}.`

// Route classifies a message. The session mode biases the
// task-submission threshold: classifications below it degrade to
// general_query so a chat session never accidentally launches work.
func (r *Router) Route(ctx context.Context, message string, mode model.SessionMode) (Decision, error) {
	if cmd, ok := ParseCommand(message); ok {
		intent := Intent{Type: GeneralQuery, Confidence: 1.0, Reasoning: "explicit command"}
		switch cmd.Name {
		case "execute":
			intent.Type = TaskSubmission
			intent.TaskDescription = cmd.Args
		case "status":
			intent.Type = StatusQuery
		}
		return Decision{Command: &cmd, Intent: intent}, nil
	}

	threshold := AgentModeThreshold
	if mode == model.ModeAsk {
		threshold = AskModeThreshold
	}

	// The lexical pre-filter short-circuits only when it is already
	// confident past the mode threshold; otherwise the LLM decides.
	if intent, ok := lexical(message); ok {
		if intent.Type != TaskSubmission || intent.Confidence >= threshold {
			return Decision{Intent: intent}, nil
		}
	}

	intent, err := r.classify(ctx, message)
	if err != nil {
		// Degrade to conversation rather than failing the request.
		r.logger.Warn("Intent classification failed, defaulting to general_query", "error", err)
		return Decision{Intent: Intent{Type: GeneralQuery, Confidence: 0.0, Reasoning: "classifier unavailable"}}, nil
	}
	if intent.Type == TaskSubmission && intent.Confidence < threshold {
		intent = Intent{
			Type:       GeneralQuery,
			Confidence: intent.Confidence,
			Reasoning:  fmt.Sprintf("task confidence %.2f below threshold %.2f", intent.Confidence, threshold),
		}
	}
	if intent.Type == TaskSubmission && intent.TaskDescription == "" {
		intent.TaskDescription = strings.TrimSpace(message)
	}
	return Decision{Intent: intent}, nil
}

var greetings = []string{"hi", "hello", "hey", "thanks", "thank you", "good morning", "good evening"}

var imperativeVerbs = []string{
	"implement", "add", "fix", "deploy", "create", "build", "update",
	"refactor", "migrate", "delete", "remove", "write", "review", "release",
}

var questionWords = []string{"what", "who", "how", "why", "when", "where", "which", "can", "could", "is", "are", "do", "does"}

// lexical is the local pre-filter. It only claims the obvious cases;
// everything ambiguous falls through to the LLM.
func lexical(message string) (Intent, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(message))
	if trimmed == "" {
		return Intent{Type: GeneralQuery, Confidence: 1.0, Reasoning: "empty message"}, true
	}

	for _, g := range greetings {
		if trimmed == g || strings.HasPrefix(trimmed, g+" ") || strings.HasPrefix(trimmed, g+"!") || strings.HasPrefix(trimmed, g+",") {
			return Intent{Type: GeneralQuery, Confidence: 0.95, Reasoning: "greeting"}, true
		}
	}

	if strings.HasSuffix(trimmed, "?") {
		return Intent{Type: GeneralQuery, Confidence: 0.9, Reasoning: "question form"}, true
	}
	first, _, _ := strings.Cut(trimmed, " ")
	for _, q := range questionWords {
		if first == q {
			return Intent{Type: GeneralQuery, Confidence: 0.85, Reasoning: "question form"}, true
		}
	}

	if len(strings.Fields(trimmed)) < 3 {
		return Intent{Type: GeneralQuery, Confidence: 0.8, Reasoning: "short message"}, true
	}

	for _, v := range imperativeVerbs {
		if first == v {
			return Intent{
				Type:            TaskSubmission,
				Confidence:      0.75,
				Reasoning:       "imperative verb prefix",
				TaskDescription: strings.TrimSpace(message),
			}, true
		}
	}
	return Intent{}, false
}

func (r *Router) classify(ctx context.Context, message string) (Intent, error) {
	resp, err := r.llm.Complete(ctx, llm.Request{
		Model:       r.model,
		Temperature: 0.0,
		MaxTokens:   256,
		Messages: []model.Message{
			model.SystemMessage(classifierPrompt),
			model.UserMessage(message),
		},
	}, nil)
	if err != nil {
		return Intent{}, err
	}

	content := strings.TrimSpace(resp.Content)
	if idx := strings.Index(content, "{"); idx >= 0 {
		if end := strings.LastIndex(content, "}"); end > idx {
			content = content[idx : end+1]
		}
	}
	var intent Intent
	if err := json.Unmarshal([]byte(content), &intent); err != nil {
		return Intent{}, fmt.Errorf("parsing classifier reply: %w", err)
	}
	switch intent.Type {
	case TaskSubmission, GeneralQuery, StatusQuery, Clarification, ApprovalDecision:
	default:
		return Intent{}, fmt.Errorf("classifier returned unknown intent %q", intent.Type)
	}
	if intent.Confidence < 0 || intent.Confidence > 1 {
		return Intent{}, fmt.Errorf("classifier confidence %f out of range", intent.Confidence)
	}
	return intent, nil
}
