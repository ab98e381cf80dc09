package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/graph"
	"github.com/coderelay/relay/pkg/tracker"
)

// maxWebhookBody bounds tracker callback payloads.
const maxWebhookBody = 1 << 20

// resumeTimeout bounds the background continuation of a workflow after
// a webhook decision. A resumed run does its own checkpointing, so a
// timeout here leaves the thread recoverable.
const resumeTimeout = 10 * time.Minute

// approvalWebhookHandler handles POST /webhooks/approval.
//
// The tracker signs the raw body with HMAC-SHA256; anything that fails
// verification is rejected before parsing. Issue states that do not map
// to a decision are acknowledged and ignored, so trackers can deliver
// every transition without filtering. Re-deliveries of an applied
// decision are acknowledged without touching state.
func (s *Server) approvalWebhookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if err := tracker.VerifySignature(s.webhookSecret, body, c.Request().Header.Get(tracker.SignatureHeader)); err != nil {
		s.logger.Warn("Rejected webhook with bad signature", "remote", c.Request().RemoteAddr)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}

	payload, err := tracker.ParseWebhook(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	decision, ok := s.approvals.DecisionForState(payload.State)
	if !ok {
		// Not a decision state (reopened, commented, ...).
		return c.JSON(http.StatusAccepted, map[string]string{"status": "ignored"})
	}

	ticket, err := s.approvals.Resolve(c.Request().Context(), payload.IssueID, decision, payload.Actor, payload.Reason)
	if err != nil {
		return mapApprovalError(err)
	}

	// Continue the workflow outside the request; webhook delivery has
	// to stay fast or trackers start retrying.
	go s.resumeFromTicket(ticket)

	return c.JSON(http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"thread_id": ticket.ThreadID,
		"decision":  string(ticket.Decision),
	})
}

func (s *Server) resumeFromTicket(ticket approval.ResumeTicket) {
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	if _, err := s.engine.Resume(ctx, ticket, nil, nil); err != nil {
		if errors.Is(err, graph.ErrStaleResume) {
			// Redelivery or poller overlap: the thread already moved on.
			s.logger.Info("Resume skipped, thread already advanced", "thread_id", ticket.ThreadID)
			return
		}
		s.logger.Error("Resume after webhook decision failed",
			"thread_id", ticket.ThreadID, "checkpoint_id", ticket.CheckpointID, "error", err)
	}
}
