package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/relay/pkg/agent"
	"github.com/coderelay/relay/pkg/approval"
	"github.com/coderelay/relay/pkg/checkpoint"
	"github.com/coderelay/relay/pkg/graph"
	"github.com/coderelay/relay/pkg/llm"
	"github.com/coderelay/relay/pkg/model"
	"github.com/coderelay/relay/pkg/risk"
	"github.com/coderelay/relay/pkg/router"
	"github.com/coderelay/relay/pkg/tools"
	"github.com/coderelay/relay/pkg/tracker"
)

const testWebhookSecret = "relay-test-secret"

// stubTracker satisfies tracker.Client without network access.
type stubTracker struct {
	mu     sync.Mutex
	nextID int
	states map[string]string
}

func newStubTracker() *stubTracker {
	return &stubTracker{states: make(map[string]string)}
}

func (s *stubTracker) CreateIssue(_ context.Context, _ tracker.CreateIssueInput) (*tracker.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("REL-%d", s.nextID)
	s.states[id] = "open"
	return &tracker.Issue{ID: id, URL: "https://tracker.test/" + id, State: "open"}, nil
}

func (s *stubTracker) GetIssue(_ context.Context, issueID string) (*tracker.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tracker.Issue{ID: issueID, State: s.states[issueID]}, nil
}

func (s *stubTracker) CloseIssue(_ context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[issueID] = "closed"
	return nil
}

func (s *stubTracker) CommentOnPR(context.Context, int, string) error { return nil }

type fixture struct {
	server  *Server
	engine  *graph.Engine
	client  *llm.ScriptedClient
	cpStore *checkpoint.MemoryStore
	apStore *approval.MemoryStore
	mgr     *approval.Manager
}

func newFixture(t *testing.T, turns ...llm.ScriptedResponse) *fixture {
	t.Helper()
	client := llm.NewScriptedClient(turns...)
	catalog := tools.NewCatalog(&tools.StaticDiscoverer{Descriptors: []tools.Descriptor{
		{Name: "read_file", Server: "fs", Priority: tools.PriorityCritical, Tags: []string{"universal"}},
		{Name: "write_file", Server: "fs", Priority: tools.PriorityHigh, Tags: []string{"docs"}},
		{Name: "deploy_service", Server: "infra", Priority: tools.PriorityHigh, Tags: []string{"deploy"}},
	}}, time.Minute)
	executor := agent.ExecutorFunc(func(_ context.Context, call model.ToolCall) (string, error) {
		return "ran " + call.Name, nil
	})
	rt, err := agent.NewRuntime(client, catalog, executor, 0, 0)
	require.NoError(t, err)
	reg, err := agent.DefaultRegistry("gpt-test")
	require.NoError(t, err)
	assessor, err := risk.NewAssessor(nil)
	require.NoError(t, err)

	apStore := approval.NewMemoryStore()
	mgr := approval.NewManager(apStore, newStubTracker(), approval.Config{})
	nodes := &graph.Nodes{Runtime: rt, Registry: reg, Assessor: assessor, Approvals: mgr}

	cpStore := checkpoint.NewMemoryStore()
	engine := graph.NewEngine(cpStore, cpStore, nodes.Build(), mgr, 0, time.Second)
	intents := router.New(client, "gpt-test")

	return &fixture{
		server:  NewServer(engine, intents, rt, reg, mgr, testWebhookSecret),
		engine:  engine,
		client:  client,
		cpStore: cpStore,
		apStore: apStore,
		mgr:     mgr,
	}
}

// post drives a request through the full routing tree.
func (f *fixture) post(t *testing.T, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

// postRaw sends a pre-serialized body, signed or not by the caller.
func (f *fixture) postRaw(t *testing.T, path string, body []byte, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func parseFrames(t *testing.T, body string) []streamEvent {
	t.Helper()
	var out []streamEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func frameTypes(frames []streamEvent) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func supervisorJSON(agentName string) llm.ScriptedResponse {
	return llm.ScriptedResponse{Response: llm.Response{
		Content: fmt.Sprintf(`{"agent": %q, "reasoning": "best fit", "confidence": 0.92}`, agentName),
	}}
}
