package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/version"
)

// RemoteClient talks to the configured tool servers over HTTP. It is
// both the catalog's discoverer (GET /tools on every server) and the
// runtime's tool executor (POST /tools/{name}).
type RemoteClient struct {
	servers    map[string]string // server name -> base URL
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	homes map[string]string // tool name -> server name, from last discovery
}

// NewRemoteClient creates a client over the given servers. timeout
// bounds each discovery and execution call.
func NewRemoteClient(servers map[string]string, timeout time.Duration) *RemoteClient {
	trimmed := make(map[string]string, len(servers))
	for name, base := range servers {
		trimmed[name] = strings.TrimRight(base, "/")
	}
	return &RemoteClient{
		servers:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "tool-client"),
		homes:      make(map[string]string),
	}
}

// Discover implements Discoverer by listing every server's tools. A
// server that fails is skipped so one outage does not empty the whole
// catalog; only when every server fails does discovery error, which
// keeps the catalog serving its last good snapshot.
func (c *RemoteClient) Discover(ctx context.Context) ([]Descriptor, error) {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Descriptor
	var failed []string
	homes := make(map[string]string)
	for _, name := range names {
		var listed []Descriptor
		if err := c.do(ctx, http.MethodGet, c.servers[name]+"/tools", nil, &listed); err != nil {
			c.logger.Warn("Tool server discovery failed", "server", name, "error", err)
			failed = append(failed, name)
			continue
		}
		for i := range listed {
			listed[i].Server = name
			homes[listed[i].Name] = name
		}
		out = append(out, listed...)
	}
	if len(out) == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("all tool servers failed: %s", strings.Join(failed, ", "))
	}

	c.mu.Lock()
	c.homes = homes
	c.mu.Unlock()
	return out, nil
}

// executeResponse is the tool server's reply to an execution call.
type executeResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Execute runs one tool call on its home server and returns the
// textual result. Implements the agent runtime's executor contract.
func (c *RemoteClient) Execute(ctx context.Context, call model.ToolCall) (string, error) {
	c.mu.RLock()
	server, ok := c.homes[call.Name]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q is not served by any configured server", call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var resp executeResponse
	url := c.servers[server] + "/tools/" + call.Name
	if err := c.do(ctx, http.MethodPost, url, map[string]any{"arguments": args}, &resp); err != nil {
		return "", fmt.Errorf("executing %s on %s: %w", call.Name, server, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("tool %s failed: %s", call.Name, resp.Error)
	}
	return resp.Result, nil
}

// do executes one API call with bounded retries on 5xx and network errors.
func (c *RemoteClient) do(ctx context.Context, method, url string, payload, out any) error {
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
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.Full())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("tool server returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return backoff.Permanent(fmt.Errorf("tool server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
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
