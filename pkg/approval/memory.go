package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coderelay/relay/pkg/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// It enforces the same uniqueness and single-resolution guarantees as
// the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Request // request_id -> row
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Request)}
}

func (s *MemoryStore) Insert(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.RequestID]; ok {
		return ErrDuplicate
	}
	for _, r := range s.rows {
		if r.WorkflowID == req.WorkflowID && r.CheckpointID == req.CheckpointID {
			return ErrDuplicate
		}
		if req.ExternalIssueID != "" && r.ExternalIssueID == req.ExternalIssueID {
			return ErrDuplicate
		}
	}
	s.rows[req.RequestID] = req
	return nil
}

func (s *MemoryStore) SetIssueRef(_ context.Context, requestID, issueID, issueURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[requestID]
	if !ok {
		return ErrNotFound
	}
	for id, r := range s.rows {
		if id != requestID && r.ExternalIssueID == issueID {
			return ErrDuplicate
		}
	}
	row.ExternalIssueID = issueID
	row.ExternalIssueURL = issueURL
	s.rows[requestID] = row
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, requestID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return row, nil
}

func (s *MemoryStore) GetByExternalIssue(_ context.Context, issueID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ExternalIssueID == issueID && issueID != "" {
			return r, nil
		}
	}
	return Request{}, ErrNotFound
}

func (s *MemoryStore) GetByWorkflowCheckpoint(_ context.Context, workflowID string, checkpointID int64) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.WorkflowID == workflowID && r.CheckpointID == checkpointID {
			return r, nil
		}
	}
	return Request{}, ErrNotFound
}

func (s *MemoryStore) Resolve(_ context.Context, requestID string, res Resolution) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if row.Status != model.ApprovalPending {
		return row, ErrAlreadyResolved
	}
	row.Status = res.Status
	resolvedAt := res.ResolvedAt
	row.ResolvedAt = &resolvedAt
	row.Resolver = res.Resolver
	row.Reason = res.Reason
	s.rows[requestID] = row
	return row, nil
}

func (s *MemoryStore) ListPending(_ context.Context, createdBefore time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.rows {
		if r.Status == model.ApprovalPending && r.CreatedAt.Before(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountPendingByRisk(_ context.Context) (map[model.RiskLevel]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.RiskLevel]int)
	for _, r := range s.rows {
		if r.Status == model.ApprovalPending {
			counts[r.RiskLevel]++
		}
	}
	return counts, nil
}
