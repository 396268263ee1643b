package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentops/dispatch/internal/breaker"
	"github.com/agentops/dispatch/internal/config"
	"github.com/agentops/dispatch/internal/scheduler"
)

type testHarness struct {
	server  *Server
	sched   *scheduler.Scheduler
	release chan struct{}
}

// newHarness builds a server over a one-slot scheduler whose executor
// blocks until release is closed, so tests can pin tasks in the
// running or pending state.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	sched, err := scheduler.New(
		config.SchedulerConfig{MaxGlobalConcurrency: 1, MaxQueueSize: 2},
		[]config.AgentConfig{{ID: "agent-1", MaxConcurrent: 1}},
	)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(sched.Close)

	release := make(chan struct{})
	sched.RegisterExecutor("work", func(ctx context.Context, task *scheduler.Task) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	breakers := breaker.NewManager()
	breakers.Get("openai")

	return &testHarness{
		server:  New(sched, breakers, prometheus.NewRegistry(), nil),
		sched:   sched,
		release: release,
	}
}

func (h *testHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func waitAPIStatus(t *testing.T, h *testHarness, id, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		rec := h.do(t, http.MethodGet, "/v1/tasks/"+id, "")
		if rec.Code == http.StatusOK {
			if got := decodeJSON(t, rec)["status"]; got == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached status %s", id, want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitTask(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodPost, "/v1/tasks",
		`{"type": "work", "description": "first", "priority": "high"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	id, ok := decodeJSON(t, rec)["task_id"].(string)
	if !ok || id == "" {
		t.Fatalf("no task_id in response %s", rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/v1/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["priority"] != "high" {
		t.Errorf("priority = %v, want high", body["priority"])
	}
}

func TestSubmitTaskBadRequests(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"unknown priority", `{"type": "work", "priority": "urgent"}`},
		{"missing type", `{"description": "no type"}`},
		{"unknown dependency", `{"type": "work", "dependencies": ["no-such-id"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/tasks", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitTaskQueueFull(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	// One running plus two queued fills the bound.
	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, "/v1/tasks", `{"type": "work"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: status = %d, want 202", i, rec.Code)
		}
	}

	rec := h.do(t, http.MethodPost, "/v1/tasks", `{"type": "work"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitBatch(t *testing.T) {
	h := newHarness(t)
	close(h.release)

	rec := h.do(t, http.MethodPost, "/v1/tasks/batch", `{"tasks": [
		{"key": "a", "type": "work"},
		{"key": "b", "type": "work", "dependencies": ["a"]}
	]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	ids, ok := decodeJSON(t, rec)["task_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Fatalf("task_ids = %v, want 2 entries", ids)
	}
	waitAPIStatus(t, h, ids[1].(string), "completed")
}

func TestSubmitBatchCycle(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodPost, "/v1/tasks/batch", `{"tasks": [
		{"key": "a", "type": "work", "dependencies": ["b"]},
		{"key": "b", "type": "work", "dependencies": ["a"]}
	]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodGet, "/v1/tasks/no-such-id", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	// First task occupies the only slot; second stays pending.
	running := h.do(t, http.MethodPost, "/v1/tasks", `{"type": "work"}`)
	runningID := decodeJSON(t, running)["task_id"].(string)
	waitAPIStatus(t, h, runningID, "running")

	queued := h.do(t, http.MethodPost, "/v1/tasks", `{"type": "work"}`)
	queuedID := decodeJSON(t, queued)["task_id"].(string)

	rec := h.do(t, http.MethodDelete, "/v1/tasks/"+queuedID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel pending: status = %d, want 200", rec.Code)
	}
	waitAPIStatus(t, h, queuedID, "failed")

	rec = h.do(t, http.MethodDelete, "/v1/tasks/"+runningID, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel running: status = %d, want 409", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/v1/tasks/no-such-id", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: status = %d, want 404", rec.Code)
	}
}

func TestSystemStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodPost, "/v1/tasks", `{"type": "work"}`)
	id := decodeJSON(t, rec)["task_id"].(string)
	waitAPIStatus(t, h, id, "running")

	rec = h.do(t, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["running_tasks"] != float64(1) {
		t.Errorf("running_tasks = %v, want 1", body["running_tasks"])
	}
	if body["max_concurrency"] != float64(1) {
		t.Errorf("max_concurrency = %v, want 1", body["max_concurrency"])
	}
}

func TestAgentsEndpoint(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodGet, "/v1/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	agents, ok := decodeJSON(t, rec)["agents"].([]any)
	if !ok || len(agents) != 1 {
		t.Fatalf("agents = %v, want 1 entry", agents)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodGet, "/v1/breakers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/breakers/openai/force-open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-open status = %d, want 200", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/v1/breakers", "")
	breakers := decodeJSON(t, rec)["breakers"].(map[string]any)
	state := breakers["openai"].(map[string]any)["status"]
	if state != "open" {
		t.Errorf("status = %v, want open", state)
	}

	rec = h.do(t, http.MethodPost, "/v1/breakers/openai/force-close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("force-close status = %d, want 200", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/v1/breakers/ghost/force-open", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown breaker status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	defer close(h.release)

	rec := h.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
