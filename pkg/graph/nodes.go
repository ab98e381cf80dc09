package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coderelay/relay/pkg/agent"
	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/risk"
)

// Nodes bundles the dependencies node handlers close over.
type Nodes struct {
	Runtime   *agent.Runtime
	Registry  *agent.Registry
	Assessor  *risk.Assessor
	Approvals *approval.Manager
	Logger    *slog.Logger
}

// Build compiles the full graph from the node handlers.
func (n *Nodes) Build() *Graph {
	if n.Logger == nil {
		n.Logger = slog.Default().With("component", "graph")
	}
	nodes := map[string]NodeFunc{
		NodeConversational: n.conversational,
		NodeSupervisor:     n.supervisor,
		NodeApproval:       n.approval,
	}
	for _, name := range WorkerNodes() {
		nodes[name] = n.worker(name)
	}
	return NewGraph(nodes)
}

// conversational answers directly and ends the run. No tools beyond the
// universal set, no supervisor.
func (n *Nodes) conversational(ctx context.Context, nctx NodeContext, state model.WorkflowState) (Outcome, error) {
	def, ok := n.Registry.Get(agent.Conversational)
	if !ok {
		return Outcome{}, fmt.Errorf("conversational agent not registered")
	}
	res, err := n.Runtime.Invoke(ctx, def, state, nctx.OnContent)
	if err != nil {
		return Outcome{}, err
	}
	delta := res.Delta
	delta.NextAgent = model.EndNode
	return Outcome{Delta: delta}, nil
}

// routingReply is the supervisor's expected JSON answer.
type routingReply struct {
	Agent      string  `json:"agent"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// supervisor decides which worker acts next. The LLM's JSON reply is the
// primary signal; a lexical fallback keeps the graph moving when the
// reply does not parse or names an unknown agent.
func (n *Nodes) supervisor(ctx context.Context, _ NodeContext, state model.WorkflowState) (Outcome, error) {
	def, ok := n.Registry.Get(agent.Supervisor)
	if !ok {
		return Outcome{}, fmt.Errorf("supervisor agent not registered")
	}
	res, err := n.Runtime.Invoke(ctx, def, state, nil)
	if err != nil {
		return Outcome{}, err
	}

	decision := parseRouting(res.Content)
	if decision == nil || !validWorker(decision.Agent) {
		fallback := lexicalRoute(state.LastUserMessage())
		if state.TaskResult != nil {
			// A worker already delivered a result; without a usable
			// routing reply the run ends rather than repeating it.
			fallback = model.EndNode
		}
		n.Logger.Warn("Supervisor reply unusable, using lexical fallback",
			"reply", truncateForLog(res.Content), "fallback", fallback)
		decision = &routingReply{Agent: fallback, Reasoning: "lexical fallback", Confidence: 0.5}
	}

	return Outcome{Delta: model.Delta{
		CurrentAgent: NodeSupervisor,
		NextAgent:    decision.Agent,
		RoutingDecision: &model.RoutingDecision{
			Agent:      decision.Agent,
			Reasoning:  decision.Reasoning,
			Confidence: decision.Confidence,
		},
	}}, nil
}

// worker builds the handler for one worker agent. Before any side
// effect, the implied operation is risk-assessed; high-risk operations
// divert to the approval node instead of invoking the LLM.
func (n *Nodes) worker(name string) NodeFunc {
	return func(ctx context.Context, nctx NodeContext, state model.WorkflowState) (Outcome, error) {
		if state.ApprovalStatus != model.ApprovalApproved {
			if op := DeriveOperation(state.LastUserMessage(), state.ProjectContext); op != nil {
				assessment := n.Assessor.Assess(*op)
				if assessment.RequiresApproval {
					n.Logger.Info("Operation requires approval",
						"agent", name, "kind", op.Kind, "risk", assessment.Level,
						"thread_id", nctx.ThreadID, "workflow_id", nctx.WorkflowID)
					return Outcome{Delta: model.Delta{
						CurrentAgent:     name,
						PendingOperation: op,
						SetRequires:      true,
						RequiresApproval: true,
						RiskLevel:        assessment.Level,
						PendingAgent:     name,
					}}, nil
				}
			}
		}

		def, ok := n.Registry.Get(name)
		if !ok {
			return Outcome{}, fmt.Errorf("agent %q not registered", name)
		}
		res, err := n.Runtime.Invoke(ctx, def, state, nctx.OnContent)
		if err != nil {
			return Outcome{}, err
		}

		// Control returns to the supervisor, which decides whether the
		// task is complete or another worker should act.
		delta := res.Delta
		delta.NextAgent = NodeSupervisor
		delta.TaskResult = map[string]any{"summary": res.Content}
		if res.HopLimitReached {
			delta.TaskResult["hop_limit_reached"] = true
		}
		return Outcome{Delta: delta}, nil
	}
}

// approval either raises an approval request and interrupts, or, on
// re-entry after a resume, routes by the recorded decision.
func (n *Nodes) approval(ctx context.Context, nctx NodeContext, state model.WorkflowState) (Outcome, error) {
	switch {
	case state.ApprovalStatus == model.ApprovalApproved:
		next := state.PendingAgent
		if next == "" {
			next = NodeSupervisor
		}
		return Outcome{Delta: model.Delta{
			CurrentAgent:     NodeApproval,
			NextAgent:        next,
			ClearApprovalReq: true,
		}}, nil

	case state.ApprovalStatus == model.ApprovalRejected:
		note := model.AssistantMessage(fmt.Sprintf(
			"The requested operation was rejected by a human reviewer and will not be executed. Agent %s stands down.",
			state.PendingAgent))
		return Outcome{Delta: model.Delta{
			CurrentAgent:     NodeApproval,
			NextAgent:        NodeSupervisor,
			Messages:         []model.Message{note},
			ClearPendingOp:   true,
			SetRequires:      true,
			RequiresApproval: false,
			ClearApprovalReq: true,
		}}, nil

	case state.RequiresApproval:
		if state.PendingOperation == nil {
			return Outcome{}, fmt.Errorf("approval requested without a pending operation")
		}
		req, err := n.Approvals.CreateRequest(ctx, approval.CreateInput{
			WorkflowID:       nctx.WorkflowID,
			ThreadID:         nctx.ThreadID,
			CheckpointID:     nctx.NextCheckpointID,
			AgentName:        state.PendingAgent,
			RiskLevel:        state.RiskLevel,
			PendingOperation: *state.PendingOperation,
			PRNumber:         state.ProjectContext.PRNumber,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("creating approval request: %w", err)
		}
		return Outcome{
			Interrupt:         true,
			ApprovalRequestID: req.RequestID,
			ExternalIssueURL:  req.ExternalIssueURL,
			RiskLevel:         state.RiskLevel,
			Delta: model.Delta{
				CurrentAgent:   NodeApproval,
				ApprovalStatus: model.ApprovalPending,
				ApprovalReqID:  req.RequestID,
			},
		}, nil

	default:
		// Nothing pending; hand back to the supervisor.
		return Outcome{Delta: model.Delta{CurrentAgent: NodeApproval, NextAgent: NodeSupervisor}}, nil
	}
}

func parseRouting(content string) *routingReply {
	trimmed := strings.TrimSpace(content)
	// Tolerate replies wrapped in markdown fences.
	if idx := strings.Index(trimmed, "{"); idx >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > idx {
			trimmed = trimmed[idx : end+1]
		}
	}
	var reply routingReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return nil
	}
	return &reply
}

func validWorker(name string) bool {
	if name == model.EndNode {
		return true
	}
	for _, w := range WorkerNodes() {
		if w == name {
			return true
		}
	}
	return false
}

// lexicalRoute is the fallback task-to-worker mapping.
func lexicalRoute(task string) string {
	lowered := strings.ToLower(task)
	switch {
	case strings.Contains(lowered, "readme"), strings.Contains(lowered, "docs"),
		strings.Contains(lowered, "documentation"), strings.Contains(lowered, "runbook"):
		return NodeDocumentation
	case strings.Contains(lowered, "deploy"), strings.Contains(lowered, "terraform"),
		strings.Contains(lowered, "infrastructure"), strings.Contains(lowered, "k8s"),
		strings.Contains(lowered, "kubernetes"), strings.Contains(lowered, "migrat"):
		return NodeInfrastructure
	case strings.Contains(lowered, "review"):
		return NodeCodeReview
	case strings.Contains(lowered, "pipeline"), strings.Contains(lowered, "ci "),
		strings.Contains(lowered, "build"), strings.Contains(lowered, "release"):
		return NodeCICD
	default:
		return NodeFeatureDev
	}
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
