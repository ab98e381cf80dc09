package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/relay/pkg/metrics"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/tracker"
)

// DefaultTimeout is how long a request may stay pending before the
// sweep expires it.
const DefaultTimeout = 24 * time.Hour

// CreateInput describes the approval request a worker node raises.
type CreateInput struct {
	WorkflowID       string
	ThreadID         string
	CheckpointID     int64
	AgentName        string
	RiskLevel        model.RiskLevel
	PendingOperation model.PendingOperation
	PRNumber         int // 0 when the request has no PR context
}

// ResumeTicket tells the graph engine where to pick the thread back up.
type ResumeTicket struct {
	ThreadID     string
	CheckpointID int64
	Decision     model.ApprovalStatus
}

// Config tunes the manager.
type Config struct {
	Timeout      time.Duration // pending -> expired cutoff
	PollInterval time.Duration // tracker polling fallback cadence
	// ApprovedStates / RejectedStates are tracker issue states that map to
	// a decision. Matching is case-insensitive.
	ApprovedStates []string
	RejectedStates []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if len(c.ApprovedStates) == 0 {
		c.ApprovedStates = []string{"approved", "closed_approved"}
	}
	if len(c.RejectedStates) == 0 {
		c.RejectedStates = []string{"rejected", "closed_rejected"}
	}
	return c
}

// Manager owns the approval request lifecycle.
type Manager struct {
	store   Store
	tracker tracker.Client
	cfg     Config
	logger  *slog.Logger
}

// NewManager creates an approval manager.
func NewManager(store Store, tc tracker.Client, cfg Config) *Manager {
	return &Manager{
		store:   store,
		tracker: tc,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default().With("component", "approval-manager"),
	}
}

// CreateRequest creates an approval row and mirrors it as a tracker
// issue. Idempotent on (workflow_id, checkpoint_id): a duplicate attempt
// returns the existing row.
//
// The row is inserted first so a crash mid-sequence leaves an auditable
// record; if the tracker sequence then fails before the issue ref is
// recorded, the row is marked expired and any partially created issue is
// closed best-effort.
func (m *Manager) CreateRequest(ctx context.Context, in CreateInput) (Request, error) {
	if existing, err := m.store.GetByWorkflowCheckpoint(ctx, in.WorkflowID, in.CheckpointID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Request{}, fmt.Errorf("checking for existing approval: %w", err)
	}

	req := Request{
		RequestID:        uuid.NewString(),
		WorkflowID:       in.WorkflowID,
		ThreadID:         in.ThreadID,
		CheckpointID:     in.CheckpointID,
		AgentName:        in.AgentName,
		RiskLevel:        in.RiskLevel,
		PendingOperation: in.PendingOperation,
		Status:           model.ApprovalPending,
		CreatedAt:        time.Now().UTC(),
		PRNumber:         in.PRNumber,
	}
	if err := m.store.Insert(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost the race on the natural key; return the winner's row.
			return m.store.GetByWorkflowCheckpoint(ctx, in.WorkflowID, in.CheckpointID)
		}
		return Request{}, fmt.Errorf("inserting approval request: %w", err)
	}

	issue, err := m.tracker.CreateIssue(ctx, tracker.CreateIssueInput{
		Title:    issueTitle(req),
		Body:     issueBody(req),
		Priority: priorityFor(req.RiskLevel),
		Labels:   []string{"approval", string(req.RiskLevel)},
	})
	if err != nil {
		m.abandonRequest(ctx, req.RequestID, "")
		return Request{}, fmt.Errorf("creating tracker issue: %w", err)
	}
	if err := m.store.SetIssueRef(ctx, req.RequestID, issue.ID, issue.URL); err != nil {
		m.abandonRequest(ctx, req.RequestID, issue.ID)
		return Request{}, fmt.Errorf("recording tracker issue ref: %w", err)
	}
	req.ExternalIssueID = issue.ID
	req.ExternalIssueURL = issue.URL

	if req.PRNumber > 0 {
		comment := fmt.Sprintf("Approval required before `%s` on `%s` proceeds: %s",
			req.PendingOperation.Kind, req.PendingOperation.Target, issue.URL)
		if err := m.tracker.CommentOnPR(ctx, req.PRNumber, comment); err != nil {
			// The issue is the source of truth; a missing PR comment is
			// not worth failing the request.
			m.logger.Warn("Failed to comment on PR", "pr", req.PRNumber, "error", err)
		}
	}

	metrics.ApprovalsCreated.WithLabelValues(req.AgentName, string(req.RiskLevel)).Inc()
	m.updateBacklog(ctx)
	m.logger.Info("Approval request created",
		"request_id", req.RequestID,
		"workflow_id", req.WorkflowID,
		"agent", req.AgentName,
		"risk", req.RiskLevel,
		"issue_id", req.ExternalIssueID)
	return req, nil
}

// abandonRequest marks a half-created row expired and closes any issue
// that was opened for it. Both steps are best-effort.
func (m *Manager) abandonRequest(ctx context.Context, requestID, issueID string) {
	if _, err := m.store.Resolve(ctx, requestID, Resolution{
		Status:     model.ApprovalExpired,
		Resolver:   "system",
		Reason:     "issue creation failed",
		ResolvedAt: time.Now().UTC(),
	}); err != nil {
		m.logger.Error("Failed to expire half-created approval", "request_id", requestID, "error", err)
	}
	if issueID != "" {
		if err := m.tracker.CloseIssue(ctx, issueID); err != nil {
			m.logger.Warn("Failed to close orphaned tracker issue", "issue_id", issueID, "error", err)
		}
	}
}

// Get returns the approval row by its request id.
func (m *Manager) Get(ctx context.Context, requestID string) (Request, error) {
	return m.store.GetByID(ctx, requestID)
}

// Resolve applies a terminal decision delivered for a tracker issue and
// returns the ticket the graph engine resumes from.
//
// Re-deliveries are safe: a row already resolved with the same decision
// returns the ticket without error; a conflicting decision returns
// ErrAlreadyResolved.
func (m *Manager) Resolve(ctx context.Context, externalIssueID string, decision model.ApprovalStatus, resolver, reason string) (ResumeTicket, error) {
	if decision != model.ApprovalApproved && decision != model.ApprovalRejected {
		return ResumeTicket{}, fmt.Errorf("invalid decision %q", decision)
	}
	req, err := m.store.GetByExternalIssue(ctx, externalIssueID)
	if err != nil {
		return ResumeTicket{}, err
	}

	resolvedAt := time.Now().UTC()
	resolved, err := m.store.Resolve(ctx, req.RequestID, Resolution{
		Status:     decision,
		Resolver:   resolver,
		Reason:     reason,
		ResolvedAt: resolvedAt,
	})
	if errors.Is(err, ErrAlreadyResolved) {
		metrics.WebhookDuplicates.Inc()
		if resolved.Status == decision {
			return ticketFor(resolved), nil
		}
		return ResumeTicket{}, fmt.Errorf("%w: already %s", ErrAlreadyResolved, resolved.Status)
	}
	if err != nil {
		return ResumeTicket{}, fmt.Errorf("resolving approval: %w", err)
	}

	metrics.ApprovalsResolved.WithLabelValues(resolved.AgentName, string(resolved.RiskLevel), string(decision)).Inc()
	metrics.ApprovalLatency.Observe(resolvedAt.Sub(resolved.CreatedAt).Seconds())
	m.updateBacklog(ctx)
	m.logger.Info("Approval request resolved",
		"request_id", resolved.RequestID,
		"decision", decision,
		"resolver", resolver)
	return ticketFor(resolved), nil
}

// ExpireStale moves pending rows older than the timeout to expired and
// closes their tracker issues. Returns the number of rows expired.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.store.ListPending(ctx, now.Add(-m.cfg.Timeout))
	if err != nil {
		return 0, fmt.Errorf("listing stale approvals: %w", err)
	}
	expired := 0
	for _, req := range stale {
		resolved, err := m.store.Resolve(ctx, req.RequestID, Resolution{
			Status:     model.ApprovalExpired,
			Resolver:   "system",
			Reason:     "approval timeout",
			ResolvedAt: now,
		})
		if errors.Is(err, ErrAlreadyResolved) {
			continue // resolved between list and update
		}
		if err != nil {
			return expired, fmt.Errorf("expiring approval %s: %w", req.RequestID, err)
		}
		expired++
		metrics.ApprovalTimeouts.Inc()
		metrics.ApprovalsResolved.WithLabelValues(resolved.AgentName, string(resolved.RiskLevel), string(model.ApprovalExpired)).Inc()
		if req.ExternalIssueID != "" {
			if err := m.tracker.CloseIssue(ctx, req.ExternalIssueID); err != nil {
				m.logger.Warn("Failed to close expired issue", "issue_id", req.ExternalIssueID, "error", err)
			}
		}
		m.logger.Info("Approval request expired", "request_id", req.RequestID, "age", now.Sub(req.CreatedAt))
	}
	if expired > 0 {
		m.updateBacklog(ctx)
	}
	return expired, nil
}

// PollOnce checks the tracker state of every pending request and
// resolves those whose issue reached a decision state. It is the
// fallback for lost webhooks; natural-key idempotency makes overlap
// with webhook delivery safe. Returns the resume tickets produced.
func (m *Manager) PollOnce(ctx context.Context) ([]ResumeTicket, error) {
	pending, err := m.store.ListPending(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	var tickets []ResumeTicket
	for _, req := range pending {
		if req.ExternalIssueID == "" {
			continue
		}
		issue, err := m.tracker.GetIssue(ctx, req.ExternalIssueID)
		if err != nil {
			m.logger.Warn("Poll failed for issue", "issue_id", req.ExternalIssueID, "error", err)
			continue
		}
		decision, ok := m.DecisionForState(issue.State)
		if !ok {
			continue
		}
		ticket, err := m.Resolve(ctx, req.ExternalIssueID, decision, "poller", "resolved via tracker poll")
		if err != nil {
			if !errors.Is(err, ErrAlreadyResolved) {
				m.logger.Warn("Poll resolve failed", "issue_id", req.ExternalIssueID, "error", err)
			}
			continue
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// RunPolling runs the polling fallback until the context is cancelled,
// handing each produced ticket to onTicket.
func (m *Manager) RunPolling(ctx context.Context, onTicket func(ResumeTicket)) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickets, err := m.PollOnce(ctx)
			if err != nil {
				m.logger.Error("Approval poll failed", "error", err)
				continue
			}
			for _, t := range tickets {
				onTicket(t)
			}
		}
	}
}

// DecisionForState maps a tracker issue state onto a decision, if the
// state is in one of the configured sets.
func (m *Manager) DecisionForState(state string) (model.ApprovalStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(state))
	for _, a := range m.cfg.ApprovedStates {
		if s == strings.ToLower(a) {
			return model.ApprovalApproved, true
		}
	}
	for _, r := range m.cfg.RejectedStates {
		if s == strings.ToLower(r) {
			return model.ApprovalRejected, true
		}
	}
	return "", false
}

func (m *Manager) updateBacklog(ctx context.Context) {
	counts, err := m.store.CountPendingByRisk(ctx)
	if err != nil {
		m.logger.Warn("Failed to count pending approvals", "error", err)
		return
	}
	for _, level := range []model.RiskLevel{model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical} {
		metrics.ApprovalsBacklog.WithLabelValues(string(level)).Set(float64(counts[level]))
	}
}

func ticketFor(req Request) ResumeTicket {
	return ResumeTicket{
		ThreadID:     req.ThreadID,
		CheckpointID: req.CheckpointID,
		Decision:     req.Status,
	}
}

func issueTitle(req Request) string {
	return fmt.Sprintf("[%s] Approval required: %s on %s",
		strings.ToUpper(string(req.RiskLevel)), req.PendingOperation.Kind, req.PendingOperation.Target)
}

func issueBody(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow `%s` is paused awaiting approval.\n\n", req.WorkflowID)
	fmt.Fprintf(&b, "- Agent: %s\n", req.AgentName)
	fmt.Fprintf(&b, "- Risk: %s\n", req.RiskLevel)
	fmt.Fprintf(&b, "- Operation: %s\n", req.PendingOperation.Kind)
	fmt.Fprintf(&b, "- Target: %s\n", req.PendingOperation.Target)
	if req.PendingOperation.Environment != "" {
		fmt.Fprintf(&b, "- Environment: %s\n", req.PendingOperation.Environment)
	}
	for k, v := range req.PendingOperation.Params {
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	b.WriteString("\nApprove or reject this issue to resume the workflow.\n")
	return b.String()
}

func priorityFor(level model.RiskLevel) string {
	switch level {
	case model.RiskCritical:
		return "urgent"
	case model.RiskHigh:
		return "high"
	case model.RiskMedium:
		return "medium"
	default:
		return "low"
	}
}
