package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/checkpoint"
	"github.com/coderelay/relay/pkg/metrics"
	"github.com/coderelay/relay/pkg/model"
)

// Engine errors.
var (
	// ErrHopLimitExceeded terminates a run that crossed the transition
	// budget. State is preserved for inspection.
	ErrHopLimitExceeded = errors.New("run hop limit exceeded")

	// ErrStaleResume rejects a resume ticket referencing a checkpoint
	// that is no longer the latest for its thread.
	ErrStaleResume = errors.New("stale resume")

	// ErrCancelled aborts a run between nodes after cancel(T).
	ErrCancelled = errors.New("run cancelled")

	// ErrNodeFailed marks a node that could not complete. The failure
	// is checkpointed; the run is not retried automatically.
	ErrNodeFailed = errors.New("node failed")

	// ErrAwaitingApproval rejects a new run on a thread whose latest
	// checkpoint is still waiting for a human decision.
	ErrAwaitingApproval = errors.New("thread is awaiting approval")
)

// DefaultRunHopLimit bounds node transitions per run.
const DefaultRunHopLimit = 25

// Engine event types.
const (
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
)

// Event is one engine emission at a node boundary.
type Event struct {
	Type       string         `json:"type"`
	ThreadID   string         `json:"thread_id"`
	WorkflowID string         `json:"workflow_id"`
	Node       string         `json:"node,omitempty"`
	Timestamp  time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventSink receives engine events in emission order.
type EventSink func(Event)

// RunInput starts or continues a thread.
type RunInput struct {
	ThreadID       string
	WorkflowID     string
	Message        string
	Mode           model.SessionMode
	ProjectContext model.ProjectContext
}

// RunResult is the terminal outcome of Run or Resume.
type RunResult struct {
	Interrupted       bool
	ApprovalRequestID string
	ExternalIssueURL  string
	State             model.WorkflowState
	FinalCheckpointID int64
}

// Engine drives workflow runs over the compiled graph, checkpointing at
// every node boundary and enforcing the single-writer invariant via the
// per-thread lock.
type Engine struct {
	store     checkpoint.Store
	locker    checkpoint.Locker
	graph     *Graph
	approvals *approval.Manager
	hopLimit  int
	lockWait  time.Duration
	logger    *slog.Logger

	cancels sync.Map // thread_id -> *atomic.Bool
}

// NewEngine wires an engine. hopLimit <= 0 selects the default;
// lockWait <= 0 selects 5 seconds.
func NewEngine(store checkpoint.Store, locker checkpoint.Locker, g *Graph, approvals *approval.Manager, hopLimit int, lockWait time.Duration) *Engine {
	if hopLimit <= 0 {
		hopLimit = DefaultRunHopLimit
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Engine{
		store:     store,
		locker:    locker,
		graph:     g,
		approvals: approvals,
		hopLimit:  hopLimit,
		lockWait:  lockWait,
		logger:    slog.Default().With("component", "graph-engine"),
	}
}

// Run executes a workflow on a thread. Ask mode enters at the
// conversational node; agent mode enters at the supervisor.
//
// A thread whose latest checkpoint is interrupted resumes automatically
// when its approval row has been resolved; if the row is still pending,
// Run returns ErrAwaitingApproval.
func (e *Engine) Run(ctx context.Context, in RunInput, sink EventSink, onContent func(string)) (RunResult, error) {
	unlock, err := e.locker.LockThread(ctx, in.ThreadID, e.lockWait)
	if err != nil {
		return RunResult{}, err
	}
	defer unlock()

	metrics.ActiveWorkflows.Inc()
	defer metrics.ActiveWorkflows.Dec()
	flag := e.registerCancel(in.ThreadID)
	defer e.cancels.Delete(in.ThreadID)

	state, nextID, err := e.loadOrInit(ctx, in)
	if err != nil {
		return RunResult{}, err
	}

	entry := NodeSupervisor
	if in.Mode == model.ModeAsk {
		entry = NodeConversational
	}

	if state.ApprovalStatus == model.ApprovalPending && state.ApprovalRequestID != "" {
		// Interrupted thread: pick up the human decision if one arrived,
		// otherwise refuse to advance past the pending approval.
		row, err := e.approvals.Get(ctx, state.ApprovalRequestID)
		if err != nil {
			return RunResult{}, fmt.Errorf("loading pending approval: %w", err)
		}
		if !row.Terminal() {
			return RunResult{}, ErrAwaitingApproval
		}
		state = applyDecision(state, row.Status)
		emit(sink, Event{Type: EventApprovalResolved, ThreadID: in.ThreadID, WorkflowID: in.WorkflowID,
			Node: NodeApproval, Timestamp: time.Now(), Payload: map[string]any{"decision": string(row.Status)}})
		entry = NodeApproval
	}

	return e.loop(ctx, in.ThreadID, in.WorkflowID, state, entry, nextID, flag, sink, onContent)
}

// Resume continues an interrupted thread from a resolution ticket.
// The ticket must reference the thread's latest checkpoint.
func (e *Engine) Resume(ctx context.Context, ticket approval.ResumeTicket, sink EventSink, onContent func(string)) (RunResult, error) {
	unlock, err := e.locker.LockThread(ctx, ticket.ThreadID, e.lockWait)
	if err != nil {
		return RunResult{}, err
	}
	defer unlock()

	metrics.ActiveWorkflows.Inc()
	defer metrics.ActiveWorkflows.Dec()
	flag := e.registerCancel(ticket.ThreadID)
	defer e.cancels.Delete(ticket.ThreadID)

	latest, err := e.store.GetLatest(ctx, ticket.ThreadID)
	if err != nil {
		return RunResult{}, fmt.Errorf("loading resume point: %w", err)
	}
	if latest.ID != ticket.CheckpointID {
		metrics.StaleResumes.Inc()
		e.logger.Warn("Rejecting stale resume",
			"thread_id", ticket.ThreadID, "ticket_checkpoint", ticket.CheckpointID, "latest", latest.ID)
		return RunResult{}, fmt.Errorf("%w: ticket %d, latest %d", ErrStaleResume, ticket.CheckpointID, latest.ID)
	}

	state := applyDecision(latest.State, ticket.Decision)
	workflowID := state.WorkflowID
	emit(sink, Event{Type: EventApprovalResolved, ThreadID: ticket.ThreadID, WorkflowID: workflowID,
		Node: NodeApproval, Timestamp: time.Now(), Payload: map[string]any{"decision": string(ticket.Decision)}})

	return e.loop(ctx, ticket.ThreadID, workflowID, state, NodeApproval, latest.ID+1, flag, sink, onContent)
}

// Cancel requests that the run on threadID stop at the next node
// boundary. Returns false when no run is active for the thread.
func (e *Engine) Cancel(threadID string) bool {
	v, ok := e.cancels.Load(threadID)
	if !ok {
		return false
	}
	v.(*atomic.Bool).Store(true)
	return true
}

func (e *Engine) registerCancel(threadID string) *atomic.Bool {
	flag := &atomic.Bool{}
	e.cancels.Store(threadID, flag)
	return flag
}

func (e *Engine) loadOrInit(ctx context.Context, in RunInput) (model.WorkflowState, int64, error) {
	latest, err := e.store.GetLatest(ctx, in.ThreadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		state := model.WorkflowState{
			ThreadID:       in.ThreadID,
			WorkflowID:     in.WorkflowID,
			SessionMode:    in.Mode,
			ProjectContext: in.ProjectContext,
			ApprovalStatus: model.ApprovalNone,
		}
		if in.Message != "" {
			state.Messages = []model.Message{model.UserMessage(in.Message)}
		}
		return state, 1, nil
	}
	if err != nil {
		return model.WorkflowState{}, 0, fmt.Errorf("loading thread: %w", err)
	}

	state := latest.State
	state.WorkflowID = in.WorkflowID
	state.SessionMode = in.Mode
	if in.ProjectContext != (model.ProjectContext{}) {
		state.ProjectContext = in.ProjectContext
	}
	state.NextAgent = ""
	// A terminal decision from an earlier run must not leak into the
	// next one; only a live pending approval carries over.
	if state.ApprovalStatus != model.ApprovalPending {
		state.ApprovalStatus = model.ApprovalNone
		state.PendingAgent = ""
		state.RiskLevel = ""
		state.PendingOperation = nil
		state.RequiresApproval = false
	}
	if in.Message != "" {
		state.Messages = append(state.Messages, model.UserMessage(in.Message))
	}
	return state, latest.ID + 1, nil
}

// loop is the engine core: invoke, merge, checkpoint, route.
func (e *Engine) loop(ctx context.Context, threadID, workflowID string, state model.WorkflowState, current string, nextID int64, cancelled *atomic.Bool, sink EventSink, onContent func(string)) (RunResult, error) {
	nctxBase := NodeContext{ThreadID: threadID, WorkflowID: workflowID}
	var onDelta func(string)
	if onContent != nil {
		onDelta = onContent
	}

	for hops := 0; ; hops++ {
		if hops >= e.hopLimit {
			e.emitFailure(sink, threadID, workflowID, current, ErrHopLimitExceeded)
			e.checkpointFailure(ctx, threadID, current, nextID, state, ErrHopLimitExceeded)
			return RunResult{State: state}, ErrHopLimitExceeded
		}
		if cancelled.Load() || ctx.Err() != nil {
			// Result discarded, nothing checkpointed.
			e.emitFailure(sink, threadID, workflowID, current, ErrCancelled)
			return RunResult{State: state}, ErrCancelled
		}

		fn, ok := e.graph.Node(current)
		if !ok {
			err := fmt.Errorf("%w: unknown node %q", ErrNodeFailed, current)
			e.emitFailure(sink, threadID, workflowID, current, err)
			return RunResult{State: state}, err
		}

		emit(sink, Event{Type: EventNodeStarted, ThreadID: threadID, WorkflowID: workflowID,
			Node: current, Timestamp: time.Now()})

		nctx := nctxBase
		nctx.NextCheckpointID = nextID
		nctx.OnContent = onDelta

		start := time.Now()
		outcome, err := fn(ctx, nctx, state)
		metrics.NodeDuration.WithLabelValues(current).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.NodeInvocations.WithLabelValues(current, "error").Inc()
			failure := fmt.Errorf("%w: %s: %v", ErrNodeFailed, current, err)
			e.emitFailure(sink, threadID, workflowID, current, failure)
			e.checkpointFailure(ctx, threadID, current, nextID, state, failure)
			return RunResult{State: state}, failure
		}

		merged := state.Apply(outcome.Delta)
		if err := merged.Validate(AllNodes()); err != nil {
			metrics.NodeInvocations.WithLabelValues(current, "error").Inc()
			failure := fmt.Errorf("%w: %s produced invalid state: %v", ErrNodeFailed, current, err)
			e.emitFailure(sink, threadID, workflowID, current, failure)
			return RunResult{State: state}, failure
		}
		state = merged

		next := ""
		terminal := false
		if !outcome.Interrupt {
			next = e.graph.NextNode(current, state)
			terminal = next == model.EndNode
		}

		cp := checkpoint.Checkpoint{
			ThreadID:    threadID,
			ID:          nextID,
			ParentID:    nextID - 1,
			State:       state,
			NodeJustRan: current,
			Terminal:    terminal,
		}
		if err := e.store.Put(ctx, cp); err != nil {
			if errors.Is(err, checkpoint.ErrConflict) {
				// Another writer advanced the thread; this advance is void.
				metrics.NodeInvocations.WithLabelValues(current, "conflict").Inc()
				e.logger.Warn("Lost single-writer race, aborting advance",
					"thread_id", threadID, "checkpoint_id", nextID)
				return RunResult{State: state}, err
			}
			failure := fmt.Errorf("%w: checkpointing after %s: %v", ErrNodeFailed, current, err)
			e.emitFailure(sink, threadID, workflowID, current, failure)
			return RunResult{State: state}, failure
		}

		if outcome.Interrupt {
			metrics.NodeInvocations.WithLabelValues(current, "interrupt").Inc()
		} else {
			metrics.NodeInvocations.WithLabelValues(current, "ok").Inc()
		}
		emit(sink, Event{Type: EventNodeCompleted, ThreadID: threadID, WorkflowID: workflowID,
			Node: current, Timestamp: time.Now()})

		if outcome.Interrupt {
			emit(sink, Event{Type: EventApprovalRequested, ThreadID: threadID, WorkflowID: workflowID,
				Node: current, Timestamp: time.Now(), Payload: map[string]any{
					"approval_request_id": outcome.ApprovalRequestID,
					"risk":                string(outcome.RiskLevel),
					"issue_url":           outcome.ExternalIssueURL,
				}})
			return RunResult{
				Interrupted:       true,
				ApprovalRequestID: outcome.ApprovalRequestID,
				ExternalIssueURL:  outcome.ExternalIssueURL,
				State:             state,
				FinalCheckpointID: nextID,
			}, nil
		}

		if terminal {
			emit(sink, Event{Type: EventRunCompleted, ThreadID: threadID, WorkflowID: workflowID,
				Node: current, Timestamp: time.Now()})
			return RunResult{State: state, FinalCheckpointID: nextID}, nil
		}

		current = next
		nextID++
	}
}

// checkpointFailure records a terminal failure so operators can inspect
// the state that led to it. A conflict here means someone else already
// advanced the thread, which supersedes the failure record.
func (e *Engine) checkpointFailure(ctx context.Context, threadID, node string, id int64, state model.WorkflowState, failure error) {
	failed := state.Apply(model.Delta{TaskResult: map[string]any{"error": failure.Error()}})
	cp := checkpoint.Checkpoint{
		ThreadID:    threadID,
		ID:          id,
		ParentID:    id - 1,
		State:       failed,
		NodeJustRan: node,
		Terminal:    true,
	}
	if err := e.store.Put(ctx, cp); err != nil && !errors.Is(err, checkpoint.ErrConflict) {
		e.logger.Error("Failed to checkpoint run failure", "thread_id", threadID, "error", err)
	}
}

func (e *Engine) emitFailure(sink EventSink, threadID, workflowID, node string, err error) {
	emit(sink, Event{Type: EventRunFailed, ThreadID: threadID, WorkflowID: workflowID,
		Node: node, Timestamp: time.Now(), Payload: map[string]any{
			"error":          err.Error(),
			"correlation_id": workflowID,
		}})
}

// applyDecision is the resume protocol's state mutation: record the
// decision, clear the pending operation and the request id.
func applyDecision(state model.WorkflowState, decision model.ApprovalStatus) model.WorkflowState {
	return state.Apply(model.Delta{
		ApprovalStatus:   decision,
		SetRequires:      true,
		RequiresApproval: false,
		ClearPendingOp:   true,
		ClearApprovalReq: true,
	})
}

func emit(sink EventSink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
