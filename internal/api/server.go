package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"PhaseForge/internal/agent"
	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/events"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/memory"
	"PhaseForge/internal/observability/metrics"
	"PhaseForge/pkg/logger"
)

const agentHeader = "X-Agent-ID"

// Waker 允许接口层在任务创建后立即触发一轮调度。
type Waker interface {
	Wake()
}

// Server 暴露编排系统的 REST 接口。
type Server struct {
	addr     string
	graph    *graph.Graph
	memories *memory.Engine
	registry *agent.Registry
	events   *events.Log
	waker    Waker
	logger   *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, g *graph.Graph, memories *memory.Engine, registry *agent.Registry, log *events.Log, waker Waker) *Server {
	return &Server{
		addr:     addr,
		graph:    g,
		memories: memories,
		registry: registry,
		events:   log,
		waker:    waker,
		logger:   logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.instrument("create_task", s.handleCreateTask))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("list_tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/stats", s.instrument("task_stats", s.handleTaskStats))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("get_task", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}", s.instrument("transition_task", s.handleTransitionTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/claim", s.instrument("claim_task", s.handleClaimTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/archive", s.instrument("archive_task", s.handleArchiveTask))
	mux.HandleFunc("POST /api/v1/memories", s.instrument("store_memory", s.handleStoreMemory))
	mux.HandleFunc("POST /api/v1/memories/search", s.instrument("search_memories", s.handleSearchMemories))
	mux.HandleFunc("DELETE /api/v1/memories/{id}", s.instrument("delete_memory", s.handleDeleteMemory))
	mux.HandleFunc("GET /api/v1/agents", s.instrument("list_agents", s.handleListAgents))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.instrument("get_agent", s.handleGetAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.instrument("agent_heartbeat", s.handleHeartbeat))
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/admin/reset", s.instrument("admin_reset", s.handleAdminReset))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec graph.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "请求体解析失败: "+err.Error()))
		return
	}
	task, err := s.graph.Create(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]graph.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, graph.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, graph.WithOffset(offset))
		}
	}
	if statuses, ok := query["status"]; ok {
		converted := make([]graph.Status, 0, len(statuses))
		for _, raw := range statuses {
			status := graph.Status(raw)
			if !graph.IsValidStatus(status) {
				s.writeError(w, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的任务状态: %s", raw)))
				return
			}
			converted = append(converted, status)
		}
		opts = append(opts, graph.WithStatuses(converted...))
	}
	if phase := query.Get("phase"); phase != "" {
		opts = append(opts, graph.WithPhase(phase))
	}
	if createdBy := query.Get("created_by"); createdBy != "" {
		opts = append(opts, graph.WithCreatedBy(createdBy))
	}
	if query.Get("include_archived") == "true" {
		opts = append(opts, graph.WithArchived())
	}

	tasks, err := s.graph.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.graph.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.graph.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status        string `json:"status"`
		ResultSummary string `json:"result_summary"`
		KeyLearnings  string `json:"key_learnings"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "请求体解析失败: "+err.Error()))
		return
	}
	task, err := s.graph.Transition(r.Context(), r.PathValue("id"), graph.Status(req.Status), r.Header.Get(agentHeader), graph.TransitionPayload{
		ResultSummary: req.ResultSummary,
		KeyLearnings:  req.KeyLearnings,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(agentHeader)
	if agentID == "" {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 "+agentHeader+" 请求头"))
		return
	}
	task, err := s.graph.Claim(r.Context(), r.PathValue("id"), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleArchiveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.Archive(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var input memory.StoreInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "请求体解析失败: "+err.Error()))
		return
	}
	if input.AgentID == "" {
		input.AgentID = r.Header.Get(agentHeader)
	}
	m, err := s.memories.Store(r.Context(), input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var input memory.SearchInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeValidation, "请求体解析失败: "+err.Error()))
		return
	}
	results, err := s.memories.Search(r.Context(), input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.memories.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents 以 SSE 推送事件流。客户端带 cursor 重连可以续读。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, xerrors.New(xerrors.CodeUnknown, "当前连接不支持流式响应"))
		return
	}
	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, xerrors.New(xerrors.CodeValidation, "cursor 必须是非负整数"))
			return
		}
		cursor = parsed
	}

	ch, cancel, err := s.events.Subscribe(r.Context(), cursor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload)
			flusher.Flush()
		}
	}
}

// handleAdminReset 清空记忆集合。任务图从不删除，不受影响。
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if err := s.memories.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	logger.Audit().Warn("记忆集合已被管理接口清空")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.graph.Stats(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 包装处理函数，记录请求指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("写入响应失败", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err))
	}
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

// statusForCode 将统一错误码映射到 HTTP 状态码。
func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorizedAgent:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeMergeConflict, xerrors.CodeLivenessTimeout, xerrors.CodeRetriesExhausted:
		return http.StatusConflict
	case xerrors.CodeGraphInvariant, xerrors.CodeDimensionMismatch:
		return http.StatusUnprocessableEntity
	case xerrors.CodeProviderFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// withContext 让所有请求共享服务生命周期上下文。
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged, cancel := mergeContext(ctx, r.Context())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(merged))
	})
}

func mergeContext(parent, request context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(request)
	stop := context.AfterFunc(parent, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
