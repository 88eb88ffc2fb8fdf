package memory

import (
	"math"
	"time"

	xerrors "PhaseForge/internal/errors"
)

// 记忆条目的类别。
const (
	KindLearning = "learning"
	KindDecision = "decision"
	KindArtifact = "artifact"
	KindError    = "error"
)

// Memory 是一条可检索的记忆。Embedding 宽度必须与集合声明的
// 维度一致；Degraded 标记嵌入服务不可用时落盘的零向量哨兵。
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	PhaseID   string    `json:"phase_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Embedding []float32 `json:"embedding"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchQuery 描述一次相似度检索。过滤条件在相似度计算后应用,
// Degraded 条目默认不参与排序。
type SearchQuery struct {
	Embedding       []float32
	TopK            int
	Kind            string
	PhaseID         string
	TaskID          string
	IncludeDegraded bool
}

// SearchResult 是一条带相似度分数的检索结果。
type SearchResult struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// ErrMemoryNotFound 指定的记忆不存在。
var ErrMemoryNotFound = xerrors.New(xerrors.CodeNotFound, "记忆不存在")

func cloneMemory(m *Memory) *Memory {
	cp := *m
	cp.Embedding = append([]float32(nil), m.Embedding...)
	return &cp
}

// matchesFilters 判断条目是否满足检索的元数据过滤条件。
func matchesFilters(m *Memory, q SearchQuery) bool {
	if m.Degraded && !q.IncludeDegraded {
		return false
	}
	if q.Kind != "" && m.Kind != q.Kind {
		return false
	}
	if q.PhaseID != "" && m.PhaseID != q.PhaseID {
		return false
	}
	if q.TaskID != "" && m.TaskID != q.TaskID {
		return false
	}
	return true
}

// cosine 计算两个等宽向量的余弦相似度，零向量得分为 0。
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
