package memory

import (
	"context"
	"strings"
	"testing"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/llm"
)

// fakeEmbedder 用词袋向量模拟嵌入服务，便于构造可预期的相似度。
type fakeEmbedder struct {
	dimension int
	fail      bool
}

func (f *fakeEmbedder) Complete(_ context.Context, _ llm.CompletionRequest) (string, error) {
	return "", nil
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "模拟嵌入失败")
	}
	vec := make([]float32, f.dimension)
	for i, word := range []string{"redis", "mysql", "调度", "记忆"} {
		if i >= f.dimension {
			break
		}
		if strings.Contains(text, word) {
			vec[i] = 1
		}
	}
	// 保证非零向量。
	vec[f.dimension-1] += 0.01
	return vec, nil
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	store, err := NewMemoryStore(4)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	engine, err := NewEngine(store, &fakeEmbedder{dimension: 4}, 4, opts...)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	return engine
}

func TestStoreThenSearchRanksRelevantFirst(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Store(ctx, StoreInput{Content: "redis 连接池需要限制大小", PhaseID: "research"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if _, err := engine.Store(ctx, StoreInput{Content: "mysql 索引缺失导致慢查询", PhaseID: "research"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	results, err := engine.Search(ctx, SearchInput{Query: "redis 相关的经验", TopK: 2})
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("检索结果为空")
	}
	if !strings.Contains(results[0].Memory.Content, "redis") {
		t.Fatalf("首位结果不相关: %q", results[0].Memory.Content)
	}
}

func TestSearchAppliesPhaseFilter(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Store(ctx, StoreInput{Content: "redis 的研究笔记", PhaseID: "research"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if _, err := engine.Store(ctx, StoreInput{Content: "redis 的实现笔记", PhaseID: "implement"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	results, err := engine.Search(ctx, SearchInput{Query: "redis", PhaseID: "implement", TopK: 10})
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	for _, r := range results {
		if r.Memory.PhaseID != "implement" {
			t.Fatalf("过滤失效, 返回了阶段 %s 的条目", r.Memory.PhaseID)
		}
	}
	if len(results) != 1 {
		t.Fatalf("结果条数 = %d, 期望 1", len(results))
	}
}

func TestStoreRejectsWrongWidthEmbedding(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Store(context.Background(), StoreInput{
		Content:   "宽度不对的向量",
		Embedding: []float32{0.1, 0.2},
	})
	if xerrors.CodeOf(err) != xerrors.CodeDimensionMismatch {
		t.Fatalf("错误码 = %v, 期望 DIMENSION_MISMATCH", xerrors.CodeOf(err))
	}
}

func TestDegradedSentinelExcludedByDefault(t *testing.T) {
	store, err := NewMemoryStore(4)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	failing := &fakeEmbedder{dimension: 4, fail: true}
	engine, err := NewEngine(store, failing, 4)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	ctx := context.Background()

	degraded, err := engine.Store(ctx, StoreInput{Content: "嵌入失败时也要保住内容"})
	if err != nil {
		t.Fatalf("降级写入失败: %v", err)
	}
	if !degraded.Degraded {
		t.Fatal("条目未标记为降级")
	}

	failing.fail = false
	if _, err := engine.Store(ctx, StoreInput{Content: "redis 正常条目"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	results, err := engine.Search(ctx, SearchInput{Query: "redis", TopK: 10})
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	for _, r := range results {
		if r.Memory.Degraded {
			t.Fatal("默认检索不应返回降级条目")
		}
	}

	// 显式包含时降级条目得分为零，永远排在正常条目之后。
	results, err = engine.Search(ctx, SearchInput{Query: "redis", TopK: 10, IncludeDegraded: true})
	if err != nil {
		t.Fatalf("检索失败: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("结果条数 = %d, 期望 2", len(results))
	}
	if results[0].Memory.Degraded || !results[1].Memory.Degraded {
		t.Fatal("降级条目不应排在正常条目之前")
	}
}

func TestStrictModeRejectsOnEmbedFailure(t *testing.T) {
	store, err := NewMemoryStore(4)
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	engine, err := NewEngine(store, &fakeEmbedder{dimension: 4, fail: true}, 4, WithStrict(true))
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	_, err = engine.Store(context.Background(), StoreInput{Content: "严格模式"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("错误码 = %v, 期望 PROVIDER_FAILURE", xerrors.CodeOf(err))
	}
	if n, _ := engine.Count(context.Background()); n != 0 {
		t.Fatalf("严格模式失败后不应落盘, 条数 = %d", n)
	}
}

func TestDeleteAndReset(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	m, err := engine.Store(ctx, StoreInput{Content: "临时条目"})
	if err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := engine.Delete(ctx, m.ID); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := engine.Delete(ctx, m.ID); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("重复删除应返回 NOT_FOUND: %v", err)
	}

	if _, err := engine.Store(ctx, StoreInput{Content: "另一条"}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := engine.Reset(ctx); err != nil {
		t.Fatalf("清空失败: %v", err)
	}
	if n, _ := engine.Count(ctx); n != 0 {
		t.Fatalf("清空后条数 = %d", n)
	}
}
