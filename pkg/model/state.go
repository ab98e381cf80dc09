package model

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ApprovalStatus tracks the HITL approval lifecycle within a workflow state.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// RiskLevel classifies a pending operation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SessionMode distinguishes conversational (ask) from task-executing (agent) runs.
type SessionMode string

const (
	ModeAsk   SessionMode = "ask"
	ModeAgent SessionMode = "agent"
)

// EndNode is the terminal sentinel for next-agent routing.
const EndNode = "end"

// RoutingDecision records why the supervisor chose a worker.
type RoutingDecision struct {
	Agent      string  `json:"agent"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// PendingOperation describes the operation awaiting approval.
type PendingOperation struct {
	Kind        string            `json:"kind"`
	Target      string            `json:"target"`
	Params      map[string]string `json:"params,omitempty"`
	Environment string            `json:"environment,omitempty"`
}

// ProjectContext carries workspace metadata supplied by the client.
type ProjectContext struct {
	Repository string `json:"repository,omitempty"`
	Language   string `json:"language,omitempty"`
	Branch     string `json:"branch,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
}

// WorkflowState is the value transported between graph nodes.
// A node never mutates the state it receives; it returns a Delta that the
// engine merges before checkpointing.
type WorkflowState struct {
	Messages          []Message         `json:"messages"`
	ThreadID          string            `json:"thread_id"`
	WorkflowID        string            `json:"workflow_id"`
	CurrentAgent      string            `json:"current_agent,omitempty"`
	NextAgent         string            `json:"next_agent,omitempty"`
	RoutingDecision   *RoutingDecision  `json:"routing_decision,omitempty"`
	PendingOperation  *PendingOperation `json:"pending_operation,omitempty"`
	RequiresApproval  bool              `json:"requires_approval"`
	ApprovalStatus    ApprovalStatus    `json:"approval_status"`
	ApprovalRequestID string            `json:"approval_request_id,omitempty"`
	// PendingAgent is the worker that requested approval; the approval node
	// routes back to it after an approved resume.
	PendingAgent     string            `json:"pending_agent,omitempty"`
	RiskLevel        RiskLevel         `json:"risk_level,omitempty"`
	TaskResult       map[string]any    `json:"task_result,omitempty"`
	ProjectContext   ProjectContext    `json:"project_context"`
	SessionMode      SessionMode       `json:"session_mode"`
	CapturedInsights []string          `json:"captured_insights,omitempty"`
}

// Delta is the state change a node returns. Messages and insights append;
// pointer fields overwrite when non-nil; booleans carry explicit set flags
// so a node can clear them.
type Delta struct {
	Messages         []Message
	CurrentAgent     string
	NextAgent        string
	RoutingDecision  *RoutingDecision
	PendingOperation *PendingOperation
	ClearPendingOp   bool
	SetRequires      bool
	RequiresApproval bool
	ApprovalStatus   ApprovalStatus
	ApprovalReqID    string
	ClearApprovalReq bool
	PendingAgent     string
	RiskLevel        RiskLevel
	TaskResult       map[string]any
	CapturedInsights []string
}

// Apply merges a node delta into a copy of the state and returns it.
// Messages are append-only: the existing history is never rewritten.
func (s WorkflowState) Apply(d Delta) WorkflowState {
	next := s
	next.Messages = slices.Clip(s.Messages)
	next.Messages = append(next.Messages, d.Messages...)
	next.CapturedInsights = slices.Clip(s.CapturedInsights)
	next.CapturedInsights = append(next.CapturedInsights, d.CapturedInsights...)

	if d.CurrentAgent != "" {
		next.CurrentAgent = d.CurrentAgent
	}
	if d.NextAgent != "" {
		next.NextAgent = d.NextAgent
	}
	if d.RoutingDecision != nil {
		next.RoutingDecision = d.RoutingDecision
	}
	if d.PendingOperation != nil {
		next.PendingOperation = d.PendingOperation
	}
	if d.ClearPendingOp {
		next.PendingOperation = nil
	}
	if d.SetRequires {
		next.RequiresApproval = d.RequiresApproval
	}
	if d.ApprovalStatus != "" {
		next.ApprovalStatus = d.ApprovalStatus
	}
	if d.ApprovalReqID != "" {
		next.ApprovalRequestID = d.ApprovalReqID
	}
	if d.ClearApprovalReq {
		next.ApprovalRequestID = ""
	}
	if d.PendingAgent != "" {
		next.PendingAgent = d.PendingAgent
	}
	if d.RiskLevel != "" {
		next.RiskLevel = d.RiskLevel
	}
	if len(d.TaskResult) > 0 {
		merged := make(map[string]any, len(s.TaskResult)+len(d.TaskResult))
		for k, v := range s.TaskResult {
			merged[k] = v
		}
		for k, v := range d.TaskResult {
			merged[k] = v
		}
		next.TaskResult = merged
	}
	return next
}

// Validate enforces the cross-field invariants of the state.
// knownNodes is the set of graph node names; EndNode is always allowed.
func (s WorkflowState) Validate(knownNodes []string) error {
	if s.NextAgent != "" && s.NextAgent != EndNode && !slices.Contains(knownNodes, s.NextAgent) {
		return fmt.Errorf("next_agent %q is not a known node", s.NextAgent)
	}
	if s.RequiresApproval && s.PendingOperation == nil {
		return fmt.Errorf("requires_approval set without pending_operation")
	}
	if (s.ApprovalStatus == ApprovalPending) != (s.ApprovalRequestID != "") {
		return fmt.Errorf("approval_request_id must be set iff approval_status is pending")
	}
	for i, m := range s.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// Marshal serialises the state for checkpointing. Message order is preserved.
func (s WorkflowState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState deserialises a checkpoint payload.
func UnmarshalState(data []byte) (WorkflowState, error) {
	var s WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return WorkflowState{}, fmt.Errorf("decoding workflow state: %w", err)
	}
	return s, nil
}

// LastUserMessage returns the content of the most recent user message,
// or "" when the conversation has none.
func (s WorkflowState) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}
