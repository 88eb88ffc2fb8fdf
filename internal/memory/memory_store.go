package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "PhaseForge/internal/errors"
)

// MemoryStore 以内存方式保存记忆集合，用于测试和单机运行。
type MemoryStore struct {
	dimension int

	mu      sync.RWMutex
	entries map[string]*Memory
}

// NewMemoryStore 创建维度为 dimension 的内存记忆库。
func NewMemoryStore(dimension int) (*MemoryStore, error) {
	if dimension <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "向量维度必须为正数")
	}
	return &MemoryStore{dimension: dimension, entries: make(map[string]*Memory)}, nil
}

// Save 校验维度后写入条目。
func (s *MemoryStore) Save(_ context.Context, m *Memory) error {
	if err := validateMemory(m, s.dimension); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.entries[m.ID] = cloneMemory(m)
	return nil
}

// Get 返回条目副本。
func (s *MemoryStore) Get(_ context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.entries[id]
	if !ok {
		return nil, ErrMemoryNotFound
	}
	return cloneMemory(m), nil
}

// Search 全量扫描计算余弦相似度，应用元数据过滤后返回 TopK。
// 分数相同的条目较新者优先。
func (s *MemoryStore) Search(_ context.Context, q SearchQuery) ([]SearchResult, error) {
	if len(q.Embedding) != s.dimension {
		return nil, xerrors.New(xerrors.CodeDimensionMismatch,
			fmt.Sprintf("查询向量宽度 %d 与集合维度 %d 不符", len(q.Embedding), s.dimension))
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.entries))
	for _, m := range s.entries {
		if !matchesFilters(m, q) {
			continue
		}
		results = append(results, SearchResult{Memory: cloneMemory(m), Score: cosine(q.Embedding, m.Embedding)})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete 删除条目。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrMemoryNotFound
	}
	delete(s.entries, id)
	return nil
}

// Count 返回条目总数。
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Reset 清空集合。
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Memory)
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}

func validateMemory(m *Memory, dimension int) error {
	if m == nil {
		return xerrors.New(xerrors.CodeValidation, "memory 不能为空")
	}
	if strings.TrimSpace(m.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "记忆 ID 不能为空")
	}
	if strings.TrimSpace(m.Content) == "" {
		return xerrors.New(xerrors.CodeValidation, "记忆内容不能为空")
	}
	if len(m.Embedding) != dimension {
		return xerrors.New(xerrors.CodeDimensionMismatch,
			fmt.Sprintf("向量宽度 %d 与集合维度 %d 不符", len(m.Embedding), dimension))
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
