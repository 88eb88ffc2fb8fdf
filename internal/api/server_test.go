package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PhaseForge/internal/agent"
	"PhaseForge/internal/events"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/llm"
	"PhaseForge/internal/memory"
	"PhaseForge/internal/workflow"
)

type stubEmbedder struct{}

func (stubEmbedder) Complete(_ context.Context, _ llm.CompletionRequest) (string, error) {
	return "", nil
}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	if strings.Contains(text, "redis") {
		vec[0] = 1
	}
	vec[3] = 0.01
	return vec, nil
}

type stubWaker struct{ woken int }

func (w *stubWaker) Wake() { w.woken++ }

func newTestServer(t *testing.T) (*httptest.Server, *graph.Graph, *agent.Registry, *events.Log, *stubWaker) {
	t.Helper()
	wf, err := workflow.New([]workflow.Phase{
		{ID: "research", Order: 1, Name: "研究"},
		{ID: "implement", Order: 2, Name: "实现"},
	})
	if err != nil {
		t.Fatalf("构造工作流失败: %v", err)
	}
	log := events.NewLog(events.NewMemoryBackend(), 16)
	t.Cleanup(func() { _ = log.Close() })

	g := graph.New(graph.NewMemoryStore(), wf, graph.WithEventLog(log))
	registry := agent.NewRegistry()
	store, err := memory.NewMemoryStore(4)
	if err != nil {
		t.Fatalf("创建记忆库失败: %v", err)
	}
	memories, err := memory.NewEngine(store, stubEmbedder{}, 4)
	if err != nil {
		t.Fatalf("创建检索引擎失败: %v", err)
	}
	waker := &stubWaker{}

	server := httptest.NewServer(NewServer("", g, memories, registry, log, waker).Routes())
	t.Cleanup(server.Close)
	return server, g, registry, log, waker
}

func postJSON(t *testing.T, url string, payload any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化请求失败: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("构建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("发送请求失败: %v", err)
	}
	return resp
}

func decodeTask(t *testing.T, resp *http.Response) *graph.Task {
	t.Helper()
	defer resp.Body.Close()
	var task graph.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("解析任务失败: %v", err)
	}
	return &task
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	return body.Error.Code
}

func TestCreateTaskEndpoint(t *testing.T) {
	server, _, _, _, waker := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/tasks", map[string]any{
		"description": "调研缓存方案",
		"phase_id":    "research",
		"priority":    "high",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("状态码 = %d, 期望 201", resp.StatusCode)
	}
	task := decodeTask(t, resp)
	if task.PhaseID != "research" || task.Status != graph.StatusPending {
		t.Fatalf("任务内容不正确: %+v", task)
	}
	if waker.woken != 1 {
		t.Fatalf("创建任务后未触发调度, woken = %d", waker.woken)
	}
}

func TestCreateTaskUnknownPhaseReturns422(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/tasks", map[string]any{
		"description": "x",
		"phase_id":    "deploy",
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("状态码 = %d, 期望 422", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "GRAPH_INVARIANT" {
		t.Fatalf("错误码 = %s", code)
	}
}

func TestClaimConflictReturns409(t *testing.T) {
	server, g, _, _, _ := newTestServer(t)
	task, err := g.Create(context.Background(), graph.CreateSpec{Description: "x", PhaseID: "research"})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/v1/tasks/"+task.ID+"/claim", nil, map[string]string{agentHeader: "agent-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("首次占用状态码 = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/tasks/"+task.ID+"/claim", nil, map[string]string{agentHeader: "agent-2"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("二次占用状态码 = %d, 期望 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTransitionByNonOwnerReturns403(t *testing.T) {
	server, g, _, _, _ := newTestServer(t)
	ctx := context.Background()
	task, err := g.Create(ctx, graph.CreateSpec{Description: "x", PhaseID: "research"})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/v1/tasks/"+task.ID, map[string]any{
		"status":         "done",
		"result_summary": "完成",
		"key_learnings":  "经验",
	}, map[string]string{agentHeader: "agent-2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("状态码 = %d, 期望 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "UNAUTHORIZED_AGENT" {
		t.Fatalf("错误码 = %s", code)
	}
}

func TestTransitionWithoutAgentHeaderReturns403(t *testing.T) {
	server, g, _, _, _ := newTestServer(t)
	ctx := context.Background()
	task, err := g.Create(ctx, graph.CreateSpec{Description: "x", PhaseID: "research"})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/v1/tasks/"+task.ID, map[string]any{
		"status": "failed",
		"reason": "匿名取消",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("状态码 = %d, 期望 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "UNAUTHORIZED_AGENT" {
		t.Fatalf("错误码 = %s", code)
	}

	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != graph.StatusAssigned || got.AssignedAgentID != "agent-1" {
		t.Fatalf("匿名变更不应产生副作用: status=%s agent=%s", got.Status, got.AssignedAgentID)
	}
}

func TestTransitionDoneWithoutLearningsReturns400(t *testing.T) {
	server, g, _, _, _ := newTestServer(t)
	ctx := context.Background()
	task, err := g.Create(ctx, graph.CreateSpec{Description: "x", PhaseID: "research"})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}

	resp := postJSON(t, server.URL+"/api/v1/tasks/"+task.ID, map[string]any{
		"status":         "done",
		"result_summary": "完成",
	}, map[string]string{agentHeader: "agent-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, 期望 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/api/v1/tasks/no-such-task")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("状态码 = %d, 期望 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMemoryStoreAndSearch(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/memories", map[string]any{
		"content":  "redis 需要连接池",
		"kind":     "learning",
		"phase_id": "research",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("写入状态码 = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/memories/search", map[string]any{
		"query": "redis 的经验",
		"top_k": 3,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("检索状态码 = %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	var body struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析检索结果失败: %v", err)
	}
	if len(body.Results) != 1 || !strings.Contains(body.Results[0].Memory.Content, "redis") {
		t.Fatalf("检索结果不正确: %+v", body.Results)
	}
}

func TestHeartbeatUnknownAgentReturns404(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)
	resp := postJSON(t, server.URL+"/api/v1/agents/no-such-agent/heartbeat", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("状态码 = %d, 期望 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventStreamReplaysFromCursor(t *testing.T) {
	server, g, _, _, _ := newTestServer(t)
	ctx := context.Background()
	if _, err := g.Create(ctx, graph.CreateSpec{Description: "产生事件", PhaseID: "research"}); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, server.URL+"/api/v1/events?cursor=0", nil)
	if err != nil {
		t.Fatalf("构建请求失败: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var idLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			idLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if idLine != "id: 1" {
		t.Fatalf("首条事件序号 = %q, 期望 id: 1", idLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("解析事件失败: %v", err)
	}
	if ev.Type != events.TypeTaskCreated {
		t.Fatalf("事件类型 = %s, 期望 task_created", ev.Type)
	}
}

func TestAdminResetClearsMemories(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/memories", map[string]any{"content": "将被清空"}, nil)
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/admin/reset", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("重置状态码 = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/memories/search", map[string]any{"query": "任何东西"}, nil)
	defer resp.Body.Close()
	var body struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析检索结果失败: %v", err)
	}
	if len(body.Results) != 0 {
		t.Fatalf("重置后仍有 %d 条结果", len(body.Results))
	}
}
