package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
)

// Stream event types. The chat endpoint emits only content, redirect,
// done and error; the execution endpoint uses the workflow vocabulary.
const (
	eventContent  = "content"
	eventRedirect = "redirect"
	eventDone     = "done"
	eventError    = "error"

	eventWorkflowStarted   = "workflow_started"
	eventAgentSelected     = "agent_selected"
	eventApprovalRequested = "approval_requested"
	eventApprovalResolved  = "approval_resolved"
	eventWorkflowCompleted = "workflow_completed"
)

// streamEvent is one server-sent frame. Both streaming endpoints share
// the envelope: a type, a payload, and the emission timestamp.
type streamEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	TS   time.Time      `json:"ts"`
}

// sseStream writes server-sent events, flushing after every frame.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// openStream commits the response to text/event-stream. Errors after
// this point travel in-band as error events, not as HTTP statuses.
func openStream(c *echo.Context) (*sseStream, error) {
	w := c.Response()
	flusher, ok := http.ResponseWriter(w).(http.Flusher)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher}, nil
}

// send writes one frame. Write errors mean the client went away; the
// caller decides whether that matters.
func (s *sseStream) send(eventType string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := json.Marshal(streamEvent{Type: eventType, Data: data, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
