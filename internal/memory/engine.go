package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/events"
	"PhaseForge/internal/llm"
	"PhaseForge/pkg/logger"
)

// StoreInput 描述一次记忆写入。Embedding 为空时由引擎计算。
type StoreInput struct {
	Content   string    `json:"content"`
	Kind      string    `json:"kind,omitempty"`
	PhaseID   string    `json:"phase_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// SearchInput 描述一次自然语言检索。
type SearchInput struct {
	Query           string    `json:"query"`
	TopK            int       `json:"top_k,omitempty"`
	Kind            string    `json:"kind,omitempty"`
	PhaseID         string    `json:"phase_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	IncludeDegraded bool      `json:"include_degraded,omitempty"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// Engine 在存储后端之上封装嵌入计算与降级策略。嵌入服务不可用时,
// 非严格模式下写入零向量哨兵，保证任务流程不因记忆子系统中断。
type Engine struct {
	store       Store
	client      llm.Client
	dimension   int
	strict      bool
	defaultTopK int
	log         *events.Log
	logger      *slog.Logger
}

// EngineOption 定义引擎的可选配置。
type EngineOption func(*Engine)

// WithStrict 严格模式下嵌入失败直接拒绝写入。
func WithStrict(strict bool) EngineOption {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithDefaultTopK 设置检索的默认返回条数。
func WithDefaultTopK(k int) EngineOption {
	return func(e *Engine) {
		if k > 0 {
			e.defaultTopK = k
		}
	}
}

// WithEngineEventLog 配置事件日志。
func WithEngineEventLog(log *events.Log) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

// NewEngine 构造检索引擎。
func NewEngine(store Store, client llm.Client, dimension int, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "store 不能为空")
	}
	if dimension <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "向量维度必须为正数")
	}
	e := &Engine{
		store:       store,
		client:      client,
		dimension:   dimension,
		defaultTopK: 5,
		logger:      logger.Named("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Store 写入一条记忆。调用方可直接提供向量，否则由嵌入服务计算。
func (e *Engine) Store(ctx context.Context, input StoreInput) (*Memory, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "记忆内容不能为空")
	}
	kind := input.Kind
	if kind == "" {
		kind = KindLearning
	}

	m := &Memory{
		ID:      uuid.NewString(),
		Content: input.Content,
		Kind:    kind,
		PhaseID: input.PhaseID,
		TaskID:  input.TaskID,
		AgentID: input.AgentID,
	}

	switch {
	case len(input.Embedding) > 0:
		if len(input.Embedding) != e.dimension {
			return nil, xerrors.New(xerrors.CodeDimensionMismatch,
				fmt.Sprintf("向量宽度 %d 与集合维度 %d 不符", len(input.Embedding), e.dimension))
		}
		m.Embedding = append([]float32(nil), input.Embedding...)
	default:
		vec, err := e.embed(ctx, input.Content)
		if err != nil {
			if e.strict {
				return nil, err
			}
			// 降级写入：零向量哨兵不参与默认检索，但内容不丢失。
			e.logger.Warn("嵌入服务不可用，降级写入零向量哨兵",
				slog.Any("error", err),
				slog.String("task_id", input.TaskID),
			)
			m.Embedding = make([]float32, e.dimension)
			m.Degraded = true
			break
		}
		m.Embedding = vec
	}

	if err := e.store.Save(ctx, m); err != nil {
		return nil, err
	}
	e.emit(ctx, m)
	return m, nil
}

// Search 执行自然语言检索。查询向量无法计算时直接报错,
// 降级的查询没有可用的排序依据。
func (e *Engine) Search(ctx context.Context, input SearchInput) ([]SearchResult, error) {
	query := SearchQuery{
		TopK:            input.TopK,
		Kind:            input.Kind,
		PhaseID:         input.PhaseID,
		TaskID:          input.TaskID,
		IncludeDegraded: input.IncludeDegraded,
	}
	if query.TopK <= 0 {
		query.TopK = e.defaultTopK
	}

	switch {
	case len(input.Embedding) > 0:
		if len(input.Embedding) != e.dimension {
			return nil, xerrors.New(xerrors.CodeDimensionMismatch,
				fmt.Sprintf("查询向量宽度 %d 与集合维度 %d 不符", len(input.Embedding), e.dimension))
		}
		query.Embedding = input.Embedding
	default:
		if strings.TrimSpace(input.Query) == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "检索语句不能为空")
		}
		vec, err := e.embed(ctx, input.Query)
		if err != nil {
			return nil, err
		}
		query.Embedding = vec
	}
	return e.store.Search(ctx, query)
}

// Get 返回指定记忆。
func (e *Engine) Get(ctx context.Context, id string) (*Memory, error) {
	return e.store.Get(ctx, id)
}

// Delete 删除指定记忆。
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Count 返回集合条目总数。
func (e *Engine) Count(ctx context.Context) (int, error) {
	return e.store.Count(ctx)
}

// Reset 清空集合。仅供管理接口使用。
func (e *Engine) Reset(ctx context.Context) error {
	return e.store.Reset(ctx)
}

// Close 释放存储资源。
func (e *Engine) Close() error {
	return e.store.Close()
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.client == nil {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "未配置嵌入服务")
	}
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "计算嵌入失败")
	}
	if len(vec) != e.dimension {
		return nil, xerrors.New(xerrors.CodeDimensionMismatch,
			fmt.Sprintf("嵌入服务返回向量宽度 %d, 期望 %d", len(vec), e.dimension))
	}
	return vec, nil
}

func (e *Engine) emit(ctx context.Context, m *Memory) {
	if e.log == nil {
		return
	}
	if _, err := e.log.Append(ctx, events.Event{
		Type:    events.TypeMemoryStored,
		TaskID:  m.TaskID,
		AgentID: m.AgentID,
		Data:    map[string]any{"memory_id": m.ID, "kind": m.Kind, "degraded": m.Degraded},
	}); err != nil {
		e.logger.Error("追加事件失败", slog.Any("error", err))
	}
}
