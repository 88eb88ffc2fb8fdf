package phaseforge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTaskSendsAgentHeader(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-Agent-ID"); got != "agent-sdk" {
			t.Fatalf("expected agent header agent-sdk, got %q", got)
		}
		var submission TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.PhaseID != "research" {
			t.Fatalf("unexpected phase: %s", submission.PhaseID)
		}
		created = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", PhaseID: "research", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "agent-sdk", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	task, err := client.CreateTask(context.Background(), TaskSubmission{
		Description: "survey retrieval papers",
		PhaseID:     "research",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != "task-1" {
		t.Fatalf("unexpected task id: %s", task.ID)
	}
	if !created {
		t.Fatal("task was not created")
	}
}

func TestListTasksEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if got := query["status"]; len(got) != 2 || got[0] != "pending" || got[1] != "assigned" {
			t.Fatalf("unexpected status filter: %v", got)
		}
		if query.Get("phase") != "implement" {
			t.Fatalf("unexpected phase filter: %s", query.Get("phase"))
		}
		if query.Get("limit") != "10" {
			t.Fatalf("unexpected limit: %s", query.Get("limit"))
		}
		_ = json.NewEncoder(w).Encode(map[string][]Task{
			"tasks": {{ID: "task-1"}, {ID: "task-2"}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tasks, err := client.ListTasks(context.Background(), ListOptions{
		Statuses: []string{"pending", "assigned"},
		Phase:    "implement",
		Limit:    10,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestCompleteTaskPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payload["status"] != "done" {
			t.Fatalf("unexpected status: %s", payload["status"])
		}
		if payload["result_summary"] == "" || payload["key_learnings"] == "" {
			t.Fatalf("missing result payload: %v", payload)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "done"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "agent-sdk", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	task, err := client.CompleteTask(context.Background(), "task-1", "shipped the parser", "yaml anchors bite")
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if task.Status != "done" {
		t.Fatalf("unexpected status: %s", task.Status)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED_AGENT","message":"task owned by another agent"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "agent-sdk", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.ClaimTask(context.Background(), "task-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.Code != "UNAUTHORIZED_AGENT" {
		t.Fatalf("unexpected code: %s", apiErr.Code)
	}
}

func TestSearchMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/memories/search" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Query != "redis eviction" {
			t.Fatalf("unexpected query: %s", req.Query)
		}
		_ = json.NewEncoder(w).Encode(map[string][]SearchHit{
			"results": {{Memory: Memory{ID: "mem-1", Content: "use allkeys-lru"}, Score: 0.91}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	hits, err := client.SearchMemories(context.Background(), SearchRequest{Query: "redis eviction", TopK: 3})
	if err != nil {
		t.Fatalf("search memories: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.ID != "mem-1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestHeartbeatUsesConfiguredAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/agent-sdk/heartbeat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "agent-sdk", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}
