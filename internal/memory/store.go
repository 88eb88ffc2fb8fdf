package memory

import "context"

// Store 定义记忆条目的持久化后端。Save 负责维度校验,
// Search 返回按分数降序的 TopK 结果。
type Store interface {
	Save(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	Close() error
}
