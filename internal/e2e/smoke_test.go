//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("NUKA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// call sends a request and decodes the JSON reply into out.
func call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

// requireLLM skips tests that need a live model provider.
func requireLLM(t *testing.T) {
	t.Helper()
	if os.Getenv("NUKA_E2E_LLM") == "" {
		t.Skip("set NUKA_E2E_LLM=1 to run against live providers")
	}
}

func TestHealth(t *testing.T) {
	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if code := call(t, "GET", "/api/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	t.Logf("health: %s %v", body.Status, body.Backends)
}

func TestWorkflowCatalog(t *testing.T) {
	var flows []struct {
		ID string `json:"id"`
	}
	if code := call(t, "GET", "/api/workflows", nil, &flows); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	found := false
	for _, f := range flows {
		if f.ID == "council" {
			found = true
		}
	}
	if !found {
		t.Errorf("council missing from catalog: %+v", flows)
	}
}

func TestCustomAgentNeedsBlueprint(t *testing.T) {
	code := call(t, "POST", "/api/agents", map[string]string{"type": "custom"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", code)
	}
}

func TestResearchTask(t *testing.T) {
	requireLLM(t)

	var res struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}
	code := call(t, "POST", "/api/tasks", map[string]interface{}{
		"type":  "research",
		"input": "Summarise what a vector database is in two sentences.",
	}, &res)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("status %d, result %+v", code, res)
	}
	if len(strings.TrimSpace(res.Output)) <= 10 {
		t.Errorf("expected meaningful output, got %q", res.Output)
	}
	t.Logf("output: %.300s", res.Output)
}

func TestCouncil(t *testing.T) {
	requireLLM(t)

	var body struct {
		Results []struct {
			Output string `json:"output"`
		} `json:"results"`
	}
	code := call(t, "POST", "/api/workflows", map[string]string{
		"template": "council",
		"topic":    "moving our CI from self-hosted runners to a managed service",
	}, &body)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(body.Results))
	}
	t.Logf("synthesis: %.300s", body.Results[3].Output)

	var stats struct {
		Orchestrator struct {
			CompletedTasks int64 `json:"completed_tasks"`
		} `json:"orchestrator"`
	}
	call(t, "GET", "/api/orchestrator/stats", nil, &stats)
	if stats.Orchestrator.CompletedTasks < 4 {
		t.Errorf("completed = %d, want >= 4", stats.Orchestrator.CompletedTasks)
	}
}
