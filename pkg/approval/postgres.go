package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coderelay/relay/pkg/model"
)

const uniqueViolation = "23505"

// PostgresStore persists approval rows in the approval_requests table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, req Request) error {
	opJSON, err := json.Marshal(req.PendingOperation)
	if err != nil {
		return fmt.Errorf("encoding pending operation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(request_id, workflow_id, thread_id, checkpoint_id, agent_name,
			 risk_level, pending_operation, status, created_at,
			 external_issue_id, external_issue_url, pr_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)`,
		req.RequestID, req.WorkflowID, req.ThreadID, req.CheckpointID, req.AgentName,
		string(req.RiskLevel), opJSON, string(req.Status), req.CreatedAt,
		req.ExternalIssueID, req.ExternalIssueURL, req.PRNumber)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetIssueRef(ctx context.Context, requestID, issueID, issueURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET external_issue_id = $2, external_issue_url = $3
		WHERE request_id = $1`,
		requestID, issueID, issueURL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("updating issue ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating issue ref: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `
	request_id, workflow_id, thread_id, checkpoint_id, agent_name,
	risk_level, pending_operation, status, created_at, resolved_at,
	COALESCE(resolver, ''), COALESCE(reason, ''),
	COALESCE(external_issue_id, ''), COALESCE(external_issue_url, ''),
	COALESCE(pr_number, 0)`

func (s *PostgresStore) GetByID(ctx context.Context, requestID string) (Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approval_requests WHERE request_id = $1`, requestID)
	return scanRequest(row)
}

func (s *PostgresStore) GetByExternalIssue(ctx context.Context, issueID string) (Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approval_requests WHERE external_issue_id = $1`, issueID)
	return scanRequest(row)
}

func (s *PostgresStore) GetByWorkflowCheckpoint(ctx context.Context, workflowID string, checkpointID int64) (Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM approval_requests WHERE workflow_id = $1 AND checkpoint_id = $2`,
		workflowID, checkpointID)
	return scanRequest(row)
}

// Resolve performs the single pending->terminal transition. The WHERE
// clause on status makes concurrent resolves race-free: only one update
// matches the pending row.
func (s *PostgresStore) Resolve(ctx context.Context, requestID string, res Resolution) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_at = $3, resolver = $4, reason = $5
		WHERE request_id = $1 AND status = 'pending'
		RETURNING `+selectColumns,
		requestID, string(res.Status), res.ResolvedAt, res.Resolver, res.Reason)
	req, err := scanRequest(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Request{}, err
	}
	// No pending row matched: either absent or already terminal.
	existing, getErr := s.GetByID(ctx, requestID)
	if getErr != nil {
		return Request{}, getErr
	}
	return existing, ErrAlreadyResolved
}

func (s *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM approval_requests
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC`, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountPendingByRisk(ctx context.Context) (map[model.RiskLevel]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_level, COUNT(*)
		FROM approval_requests
		WHERE status = 'pending'
		GROUP BY risk_level`)
	if err != nil {
		return nil, fmt.Errorf("counting pending approvals: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RiskLevel]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scanning approval counts: %w", err)
		}
		counts[model.RiskLevel(level)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var req Request
	var risk, status string
	var opJSON []byte
	var resolvedAt sql.NullTime
	err := row.Scan(
		&req.RequestID, &req.WorkflowID, &req.ThreadID, &req.CheckpointID, &req.AgentName,
		&risk, &opJSON, &status, &req.CreatedAt, &resolvedAt,
		&req.Resolver, &req.Reason,
		&req.ExternalIssueID, &req.ExternalIssueURL, &req.PRNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("scanning approval request: %w", err)
	}
	req.RiskLevel = model.RiskLevel(risk)
	req.Status = model.ApprovalStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	if err := json.Unmarshal(opJSON, &req.PendingOperation); err != nil {
		return Request{}, fmt.Errorf("decoding pending operation: %w", err)
	}
	return req, nil
}
