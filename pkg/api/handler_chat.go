package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/coderelay/relay/pkg/agent"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/router"
)

// ChatStreamRequest is the body for POST /chat/stream.
type ChatStreamRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatStreamHandler handles POST /chat/stream.
//
// The conversational endpoint never executes work and never touches the
// checkpoint store. Messages classified as task submissions produce a
// single redirect frame pointing at the execution endpoint; everything
// else is answered by the conversational agent directly, with no tool
// loading and no supervisor.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	var req ChatStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := c.Request().Context()
	decision, err := s.intents.Route(ctx, req.Message, model.ModeAsk)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "intent classification failed")
	}

	def, ok := s.registry.Get(agent.Conversational)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "conversational agent not registered")
	}

	stream, err := openStream(c)
	if err != nil {
		return err
	}

	if decision.Intent.Type == router.TaskSubmission {
		return stream.send(eventRedirect, map[string]any{
			"endpoint":   "/execute/stream",
			"task":       decision.Intent.TaskDescription,
			"session_id": req.SessionID,
		})
	}

	_, err = s.runtime.Respond(ctx, def, req.Message, func(delta string) {
		_ = stream.send(eventContent, map[string]any{"text": delta})
	})
	if err != nil {
		s.logger.Error("Chat reply failed", "session_id", req.SessionID, "error", err)
		return stream.send(eventError, map[string]any{"error": "the assistant could not complete the reply"})
	}
	return stream.send(eventDone, nil)
}
