// Package approval manages Human-In-The-Loop approval requests: durable
// rows mirrored to an external issue tracker, resolved by webhook or
// polling, expired by a background sweep.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/coderelay/relay/pkg/model"
)

// Sentinel errors for approval operations.
var (
	// ErrNotFound indicates no approval row matches the lookup.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved indicates the row already reached a terminal
	// status. Callers treat it as an idempotent no-op, not a failure.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrDuplicate indicates another row already claims the unique key
	// (natural key or external issue id).
	ErrDuplicate = errors.New("duplicate approval request")
)

// Request is a persisted approval row.
type Request struct {
	RequestID        string
	WorkflowID       string
	ThreadID         string
	CheckpointID     int64
	AgentName        string
	RiskLevel        model.RiskLevel
	PendingOperation model.PendingOperation
	Status           model.ApprovalStatus
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	Resolver         string
	Reason           string
	ExternalIssueID  string
	ExternalIssueURL string
	PRNumber         int
}

// Terminal reports whether the row can no longer transition.
func (r Request) Terminal() bool {
	return r.Status != model.ApprovalPending
}

// Resolution is the terminal transition applied to a pending row.
type Resolution struct {
	Status     model.ApprovalStatus // approved, rejected or expired
	Resolver   string
	Reason     string
	ResolvedAt time.Time
}

// Store persists approval rows.
//
// Resolve is atomic: of any number of concurrent attempts on the same
// pending row, exactly one succeeds; the rest get ErrAlreadyResolved.
type Store interface {
	Insert(ctx context.Context, req Request) error

	// SetIssueRef records the tracker issue created for the row.
	SetIssueRef(ctx context.Context, requestID, issueID, issueURL string) error

	GetByID(ctx context.Context, requestID string) (Request, error)
	GetByExternalIssue(ctx context.Context, issueID string) (Request, error)

	// GetByWorkflowCheckpoint looks up by the natural key used for
	// create idempotency.
	GetByWorkflowCheckpoint(ctx context.Context, workflowID string, checkpointID int64) (Request, error)

	Resolve(ctx context.Context, requestID string, res Resolution) (Request, error)

	// ListPending returns pending rows created before the cutoff,
	// oldest first. Used by the expiry sweep and the polling fallback.
	ListPending(ctx context.Context, createdBefore time.Time) ([]Request, error)

	// CountPendingByRisk feeds the backlog gauge.
	CountPendingByRisk(ctx context.Context) (map[model.RiskLevel]int, error)
}
