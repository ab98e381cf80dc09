// Package metrics exposes Prometheus collectors for the orchestrator.
// It is the one intentional process-wide sink; everything else is threaded
// through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ApprovalsCreated counts approval requests created, by agent and risk.
	ApprovalsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_created_total",
		Help: "Approval requests created",
	}, []string{"agent", "risk"})

	// ApprovalsResolved counts terminal approval resolutions.
	ApprovalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_resolved_total",
		Help: "Approval requests resolved",
	}, []string{"agent", "risk", "status"})

	// ApprovalTimeouts counts pending approvals moved to expired by the sweep.
	ApprovalTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvals_timeouts_total",
		Help: "Approval requests expired by the background sweep",
	})

	// NodeInvocations counts graph node executions by outcome.
	NodeInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_invocations_total",
		Help: "Graph node invocations",
	}, []string{"node", "outcome"})

	// LLMCalls counts LLM completions by agent and model.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_calls_total",
		Help: "LLM completion calls",
	}, []string{"agent", "model"})

	// WebhookDuplicates counts webhook deliveries that matched an
	// already-resolved approval (idempotent no-ops).
	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_duplicate_total",
		Help: "Duplicate approval webhook deliveries",
	})

	// StaleResumes counts resume attempts referencing a non-latest checkpoint.
	StaleResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stale_resume_total",
		Help: "Resume attempts rejected as stale",
	})

	// ApprovalLatency measures time from approval creation to resolution.
	ApprovalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "approval_latency_seconds",
		Help:    "Time from approval request creation to resolution",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s .. ~73h
	})

	// NodeDuration measures node execution time.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "node_duration_seconds",
		Help:    "Graph node execution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})

	// LLMLatency measures LLM call duration.
	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "llm_latency_seconds",
		Help:    "LLM completion call duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ApprovalsBacklog tracks currently pending approvals by risk.
	ApprovalsBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "approvals_backlog",
		Help: "Pending approval requests",
	}, []string{"risk"})

	// ActiveWorkflows tracks currently executing runs.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_workflows",
		Help: "Workflow runs currently executing",
	})
)
