package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/orchestrator"
	"github.com/nidhogg/nuka-agents/internal/pool"
	"github.com/nidhogg/nuka-agents/internal/provider"
	"github.com/nidhogg/nuka-agents/internal/store"
	"go.uber.org/zap"
)

// stubLLM answers every chat with a canned reply.
type stubLLM struct{}

func (stubLLM) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Model: req.Model, Content: "answer", FinishReason: provider.FinishStop}, nil
}

// memPersistence keeps saved blueprints in memory.
type memPersistence struct {
	mu  sync.Mutex
	bps []*agent.Blueprint
}

func (m *memPersistence) SaveBlueprint(_ context.Context, bp *agent.Blueprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bps = append(m.bps, bp)
	return nil
}

func (m *memPersistence) ListBlueprints(context.Context) ([]*agent.Blueprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*agent.Blueprint(nil), m.bps...), nil
}

func (m *memPersistence) ListTasks(context.Context, store.TaskFilter) ([]*orchestrator.OrchestrationTask, error) {
	return nil, nil
}

func (m *memPersistence) ListWorkflowRuns(context.Context, int) ([]*orchestrator.WorkflowRun, error) {
	return nil, nil
}

// newTestHandler wires a real pool and orchestrator over a stub LLM.
func newTestHandler(t *testing.T) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	factory := agent.NewFactory(stubLLM{}, logger)
	pm := pool.NewManager(pool.Config{
		MaxAgentsPerType: 2,
		ReuseAgents:      true,
		WaitTimeout:      time.Second,
		PollInterval:     10 * time.Millisecond,
	}, factory, logger)
	orch := orchestrator.New(pm, orchestrator.Config{
		MaxConcurrent:  4,
		DefaultTimeout: 5 * time.Second,
		HistoryLimit:   10,
	}, logger)

	h := NewHandler(pm, orch, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return h, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, want, body)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	h, ts := newTestHandler(t)
	h.AddHealthCheck("postgres", func(context.Context) error { return nil })
	h.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Backends["postgres"] != "ok" || body.Backends["redis"] != "connection refused" {
		t.Errorf("backends = %v", body.Backends)
	}
}

func TestExecuteTask(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"id":       "t-1",
		"type":     "research",
		"input":    "survey vector databases",
		"priority": "high",
		"timeout":  "2s",
	})
	expectStatus(t, resp, http.StatusOK)

	var res agent.Result
	decodeJSON(t, resp, &res)
	if !res.Success || res.Output != "answer" || res.TaskID != "t-1" {
		t.Fatalf("result = %+v", res)
	}

	resp = getJSON(t, ts, "/api/tasks/t-1")
	expectStatus(t, resp, http.StatusOK)
	var rec orchestrator.OrchestrationTask
	decodeJSON(t, resp, &rec)
	if rec.Status != orchestrator.StatusCompleted || rec.AgentType != agent.TypeResearch {
		t.Errorf("record = %+v", rec)
	}

	resp = getJSON(t, ts, "/api/tasks/history?limit=5")
	expectStatus(t, resp, http.StatusOK)
	var hist []orchestrator.OrchestrationTask
	decodeJSON(t, resp, &hist)
	if len(hist) != 1 || hist[0].ID != "t-1" {
		t.Errorf("history = %+v", hist)
	}
}

func TestExecuteTaskErrors(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"type":                  "research",
		"input":                 "write a parser",
		"required_capabilities": []string{"code-generation"},
	})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{"input": "x", "timeout": "later"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{"input": "x", "priority": "urgnet"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/tasks/missing")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestExecuteBatch(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/tasks/batch", map[string]interface{}{
		"strategy": "priority",
		"tasks": []map[string]interface{}{
			{"id": "a", "type": "analysis", "input": "a", "priority": "low"},
			{"id": "b", "type": "design", "input": "b", "priority": "urgent"},
		},
	})
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Strategy string          `json:"strategy"`
		Results  []*agent.Result `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if body.Strategy != "priority" || len(body.Results) != 2 {
		t.Fatalf("body = %+v", body)
	}

	resp = postJSON(t, ts, "/api/tasks/batch", map[string]interface{}{"strategy": "round-robin"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks/batch", map[string]interface{}{
		"tasks": []map[string]interface{}{
			{"id": "same", "type": "analysis", "input": "a"},
			{"id": "same", "type": "analysis", "input": "b"},
		},
	})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestCreateAgent(t *testing.T) {
	h, ts := newTestHandler(t)
	persist := &memPersistence{}
	h.SetPersistence(persist)

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{"type": "custom"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{
		"blueprint": map[string]interface{}{
			"id":            "legal",
			"name":          "Legal Reviewer",
			"capabilities":  []string{"reasoning", "summarization"},
			"system_prompt": "Review contracts.",
			"model":         "gpt-4o",
		},
	})
	expectStatus(t, resp, http.StatusCreated)
	var info pool.AgentInfo
	decodeJSON(t, resp, &info)
	if info.Type != agent.TypeCustom || info.Name != "Legal Reviewer" {
		t.Errorf("info = %+v", info)
	}
	if len(persist.bps) != 1 || persist.bps[0].ID != "legal" {
		t.Errorf("persisted = %+v", persist.bps)
	}

	resp = getJSON(t, ts, "/api/agents")
	expectStatus(t, resp, http.StatusOK)
	var agents []pool.AgentInfo
	decodeJSON(t, resp, &agents)
	if len(agents) != 1 {
		t.Errorf("agents = %d, want 1", len(agents))
	}

	resp = getJSON(t, ts, "/api/blueprints")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestBlueprintsWithoutPersistence(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"blueprint": map[string]interface{}{
			"id":           "legal",
			"name":         "Legal Reviewer",
			"capabilities": []string{"reasoning"},
		},
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/blueprints")
	expectStatus(t, resp, http.StatusOK)
	var bps []*agent.Blueprint
	decodeJSON(t, resp, &bps)
	if len(bps) != 1 || bps[0].ID != "legal" {
		t.Fatalf("blueprints = %+v", bps)
	}

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"input":    "review clause 4",
		"metadata": map[string]string{"blueprint": "legal"},
	})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"input":    "review clause 5",
		"metadata": map[string]string{"blueprint": "tax"},
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCouncilWorkflow(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{
		"template": "council",
		"topic":    "should we rewrite the billing service",
	})
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Results []*agent.Result `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(body.Results))
	}

	resp = postJSON(t, ts, "/api/workflows", map[string]interface{}{"template": "council"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestWorkflowDependencyErrors(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/workflows", map[string]interface{}{
		"name": "broken",
		"stages": []map[string]interface{}{
			{"id": "review", "task": map[string]interface{}{"input": "x"}, "depends_on": []string{"ghost"}},
		},
	})
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestYAMLWorkflow(t *testing.T) {
	_, ts := newTestHandler(t)

	doc := `
id: two-step
name: Two step
stages:
  - id: gather
    task:
      type: research
      input: collect notes
  - id: write
    depends_on: [gather]
    task:
      type: general
      input: write it up
`
	resp, err := http.Post(ts.URL+"/api/workflows", "application/yaml", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)

	var body struct {
		Workflow string          `json:"workflow"`
		Results  []*agent.Result `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if body.Workflow != "Two step" || len(body.Results) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	_, ts := newTestHandler(t)

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{"type": "analysis", "input": "q3 numbers"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/orchestrator/stats")
	expectStatus(t, resp, http.StatusOK)
	var stats struct {
		Orchestrator orchestrator.Statistics `json:"orchestrator"`
		Pool         pool.Statistics         `json:"pool"`
	}
	decodeJSON(t, resp, &stats)
	if stats.Orchestrator.CompletedTasks != 1 || stats.Pool.TotalAgents != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp = postJSON(t, ts, "/api/agents/cancel", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/orchestrator/cleanup", nil)
	expectStatus(t, resp, http.StatusOK)
	var cleaned map[string]int
	decodeJSON(t, resp, &cleaned)
	if cleaned["agents"] != 1 {
		t.Errorf("cleanup = %v, want 1 agent reclaimed", cleaned)
	}
}
