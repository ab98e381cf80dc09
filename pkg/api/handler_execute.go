package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/relay/pkg/checkpoint"
	"github.com/coderelay/relay/pkg/graph"
	"github.com/coderelay/relay/pkg/model"
)

// ExecuteStreamRequest is the body for POST /execute/stream.
type ExecuteStreamRequest struct {
	SessionID string              `json:"session_id"`
	Message   string              `json:"message"`
	Context   *ProjectContextBody `json:"context,omitempty"`
}

// ProjectContextBody carries repository metadata for the run.
type ProjectContextBody struct {
	Repository string `json:"repository"`
	Language   string `json:"language"`
	Branch     string `json:"branch"`
	PRNumber   int    `json:"pr_number"`
}

// executeStreamHandler handles POST /execute/stream.
//
// Each request gets a fresh workflow id; the session id names the
// thread, so follow-up requests continue the same conversation record.
// Engine events are translated to the workflow stream vocabulary as
// they arrive. Client disconnect cancels the run at the next node
// boundary through the request context.
func (s *Server) executeStreamHandler(c *echo.Context) error {
	var req ExecuteStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	threadID := req.SessionID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	workflowID := uuid.NewString()

	var pc model.ProjectContext
	if req.Context != nil {
		pc = model.ProjectContext{
			Repository: req.Context.Repository,
			Language:   req.Context.Language,
			Branch:     req.Context.Branch,
			PRNumber:   req.Context.PRNumber,
		}
	}

	stream, err := openStream(c)
	if err != nil {
		return err
	}
	_ = stream.send(eventWorkflowStarted, map[string]any{
		"workflow_id": workflowID,
		"thread_id":   threadID,
	})

	// The engine emits at node boundaries on this goroutine, so the
	// flag needs no synchronization.
	errorSent := false
	sink := func(ev graph.Event) {
		switch ev.Type {
		case graph.EventNodeStarted:
			if ev.Node != graph.NodeApproval {
				_ = stream.send(eventAgentSelected, map[string]any{"agent": ev.Node})
			}
		case graph.EventApprovalRequested:
			_ = stream.send(eventApprovalRequested, map[string]any{
				"approval_request_id": ev.Payload["approval_request_id"],
				"risk":                ev.Payload["risk"],
				"external_issue_url":  ev.Payload["issue_url"],
			})
		case graph.EventApprovalResolved:
			_ = stream.send(eventApprovalResolved, map[string]any{"decision": ev.Payload["decision"]})
		case graph.EventRunFailed:
			errorSent = true
			_ = stream.send(eventError, map[string]any{
				"error":          ev.Payload["error"],
				"correlation_id": ev.Payload["correlation_id"],
			})
		}
	}

	res, err := s.engine.Run(c.Request().Context(), graph.RunInput{
		ThreadID:       threadID,
		WorkflowID:     workflowID,
		Message:        req.Message,
		Mode:           model.ModeAgent,
		ProjectContext: pc,
	}, sink, func(delta string) {
		_ = stream.send(eventContent, map[string]any{"text": delta})
	})
	if err != nil {
		s.logger.Error("Workflow run failed",
			"thread_id", threadID, "workflow_id", workflowID, "error", err)
		if !errorSent {
			_ = stream.send(eventError, map[string]any{"error": executeErrorMessage(err)})
		}
		return nil
	}
	if res.Interrupted {
		// The approval_requested frame already told the client where
		// the workflow stopped; the stream just ends here.
		return nil
	}

	return stream.send(eventWorkflowCompleted, map[string]any{
		"workflow_id": workflowID,
		"task_result": res.State.TaskResult,
	})
}

func executeErrorMessage(err error) string {
	switch {
	case errors.Is(err, graph.ErrAwaitingApproval):
		return "this session is waiting on an approval decision"
	case errors.Is(err, checkpoint.ErrBusy):
		return "another workflow is running for this session"
	case errors.Is(err, checkpoint.ErrConflict):
		return "a concurrent workflow advanced this session first"
	case errors.Is(err, graph.ErrHopLimitExceeded):
		return "the workflow exceeded its transition budget"
	case errors.Is(err, graph.ErrCancelled):
		return "the workflow was cancelled"
	default:
		return "the workflow could not complete"
	}
}
