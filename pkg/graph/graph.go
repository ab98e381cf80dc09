// Package graph implements the workflow state machine: a table of node
// handlers, conditional edges, and the engine loop that checkpoints
// state at every node boundary.
package graph

import (
	"context"

	"github.com/coderelay/relay/pkg/llm"
	"github.com/coderelay/relay/pkg/model"
)

// Node names. They double as agent names for the worker nodes.
const (
	NodeConversational = "conversational"
	NodeSupervisor     = "supervisor"
	NodeFeatureDev     = "feature_dev"
	NodeCodeReview     = "code_review"
	NodeInfrastructure = "infrastructure"
	NodeCICD           = "cicd"
	NodeDocumentation  = "documentation"
	NodeApproval       = "approval"
)

// WorkerNodes lists the nodes the supervisor routes to.
func WorkerNodes() []string {
	return []string{NodeFeatureDev, NodeCodeReview, NodeInfrastructure, NodeCICD, NodeDocumentation}
}

// AllNodes lists every vertex of the graph.
func AllNodes() []string {
	return append(WorkerNodes(), NodeConversational, NodeSupervisor, NodeApproval)
}

// NodeContext carries per-invocation metadata into a node handler.
type NodeContext struct {
	ThreadID   string
	WorkflowID string
	// NextCheckpointID is the id the engine will assign to the
	// checkpoint written after this node returns. The approval node
	// records it as the resume point.
	NextCheckpointID int64
	// OnContent receives streamed LLM content chunks; may be nil.
	OnContent llm.StreamFunc
}

// Outcome is a node's result. A node either advances with a delta or
// interrupts the run (approval pending); there is no saved stack — the
// checkpoint written from Delta is the entire resume state.
type Outcome struct {
	Delta             model.Delta
	Interrupt         bool
	ApprovalRequestID string
	ExternalIssueURL  string
	RiskLevel         model.RiskLevel
}

// NodeFunc is one graph vertex handler. It never mutates the state it
// receives.
type NodeFunc func(ctx context.Context, nctx NodeContext, state model.WorkflowState) (Outcome, error)

// Graph is the compiled node table plus the conditional edge function.
type Graph struct {
	nodes map[string]NodeFunc
}

// NewGraph compiles a node table.
func NewGraph(nodes map[string]NodeFunc) *Graph {
	return &Graph{nodes: nodes}
}

// Node returns the handler for a vertex.
func (g *Graph) Node(name string) (NodeFunc, bool) {
	fn, ok := g.nodes[name]
	return fn, ok
}

// NextNode resolves the conditional edge after nodeJustRan returned and
// its delta was merged into state.
func (g *Graph) NextNode(nodeJustRan string, state model.WorkflowState) string {
	switch nodeJustRan {
	case NodeConversational:
		return model.EndNode
	case NodeSupervisor:
		if state.NextAgent != "" {
			return state.NextAgent
		}
		return model.EndNode
	case NodeApproval:
		if state.NextAgent != "" {
			return state.NextAgent
		}
		return NodeSupervisor
	default: // worker nodes
		if state.RequiresApproval {
			return NodeApproval
		}
		if state.NextAgent != "" {
			return state.NextAgent
		}
		return NodeSupervisor
	}
}
