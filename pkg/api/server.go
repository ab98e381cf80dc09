// Package api exposes the HTTP surface: the conversational and
// execution streaming endpoints, the tracker webhook, health and
// metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderelay/relay/pkg/agent"
	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/database"
	"github.com/coderelay/relay/pkg/graph"
	"github.com/coderelay/relay/pkg/router"
)

// Server is the HTTP front end over the workflow engine. The chat
// surface answers through the agent runtime directly; only the execute
// surface enters the engine.
type Server struct {
	e       *echo.Echo
	httpSrv *http.Server

	engine        *graph.Engine
	intents       *router.Router
	runtime       *agent.Runtime
	registry      *agent.Registry
	approvals     *approval.Manager
	dbClient      *database.Client
	webhookSecret []byte
	logger        *slog.Logger
}

// NewServer wires the routes. The webhook secret authenticates tracker
// callbacks; an empty secret disables webhook delivery (polling still
// resolves approvals).
func NewServer(engine *graph.Engine, intents *router.Router, runtime *agent.Runtime, registry *agent.Registry, approvals *approval.Manager, webhookSecret string) *Server {
	s := &Server{
		engine:        engine,
		intents:       intents,
		runtime:       runtime,
		registry:      registry,
		approvals:     approvals,
		webhookSecret: []byte(webhookSecret),
		logger:        slog.Default().With("component", "api"),
	}

	e := echo.New()
	e.Use(requestID())
	e.Use(securityHeaders())

	e.POST("/chat/stream", s.chatStreamHandler)
	e.POST("/execute/stream", s.executeStreamHandler)
	e.POST("/webhooks/approval", s.approvalWebhookHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", metricsHandler)

	s.e = e
	return s
}

// SetDBClient wires the checkpoint database for health reporting.
// Deployments on the in-memory store leave it unset.
func (s *Server) SetDBClient(db *database.Client) {
	s.dbClient = db
}

// Start begins serving on addr. Blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

func metricsHandler(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
