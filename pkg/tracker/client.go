// Package tracker integrates with the external issue tracker used for
// Human-In-The-Loop approval. Approval requests are mirrored as issues;
// resolutions arrive via webhook (and a polling fallback).
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coderelay/relay/pkg/version"
)

// Issue is the tracker's view of a mirrored approval request.
type Issue struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	State    string `json:"state"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// CreateIssueInput describes the issue to open for an approval request.
type CreateIssueInput struct {
	Title    string
	Body     string
	Priority string // derived from the risk level
	Labels   []string
}

// Client is the issue tracker interface consumed by the approval manager.
type Client interface {
	CreateIssue(ctx context.Context, in CreateIssueInput) (*Issue, error)
	GetIssue(ctx context.Context, issueID string) (*Issue, error)
	CloseIssue(ctx context.Context, issueID string) error
	// CommentOnPR posts a comment linking the approval issue on the pull
	// request the operation originated from.
	CommentOnPR(ctx context.Context, prNumber int, body string) error
}

// HTTPClient talks to the tracker's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	project    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a tracker client. timeout bounds each API call.
func NewHTTPClient(baseURL, token, project string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		project:    project,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "tracker-client"),
	}
}

// CreateIssue opens a new issue in the configured project.
func (c *HTTPClient) CreateIssue(ctx context.Context, in CreateIssueInput) (*Issue, error) {
	payload := map[string]any{
		"project":  c.project,
		"title":    in.Title,
		"body":     in.Body,
		"priority": in.Priority,
		"labels":   in.Labels,
	}
	var issue Issue
	if err := c.do(ctx, http.MethodPost, "/api/issues", payload, &issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	c.logger.Info("Tracker issue created", "issue_id", issue.ID, "url", issue.URL)
	return &issue, nil
}

// GetIssue fetches an issue's current state. Used by the polling fallback.
func (c *HTTPClient) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/api/issues/"+issueID, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueID, err)
	}
	return &issue, nil
}

// CloseIssue closes an issue, best-effort cleanup after a failed create
// sequence or an expired approval.
func (c *HTTPClient) CloseIssue(ctx context.Context, issueID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/issues/"+issueID+"/close", nil, nil); err != nil {
		return fmt.Errorf("close issue %s: %w", issueID, err)
	}
	return nil
}

// CommentOnPR posts a comment on a pull request.
func (c *HTTPClient) CommentOnPR(ctx context.Context, prNumber int, body string) error {
	payload := map[string]any{"body": body}
	path := fmt.Sprintf("/api/pulls/%d/comments", prNumber)
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("comment on PR #%d: %w", prNumber, err)
	}
	return nil
}

// do executes one API call with bounded retries on 5xx and network errors.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("User-Agent", version.Full())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("tracker returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return backoff.Permanent(fmt.Errorf("tracker returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
