package graph

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/workflow"
)

func testWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New([]workflow.Phase{
		{ID: "research", Order: 1, Name: "研究", FanOut: workflow.FanOut{Min: 1, Max: 3}},
		{ID: "implement", Order: 2, Name: "实现", FanOut: workflow.FanOut{Min: 1, Max: 2}, StrictFanOut: true},
		{ID: "review", Order: 3, Name: "评审"},
	})
	if err != nil {
		t.Fatalf("构造工作流失败: %v", err)
	}
	return wf
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return New(NewMemoryStore(), testWorkflow(t))
}

func mustCreate(t *testing.T, g *Graph, spec CreateSpec) *Task {
	t.Helper()
	task, err := g.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return task
}

func TestCreateRejectsUnknownPhase(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.Create(context.Background(), CreateSpec{Description: "x", PhaseID: "deploy"})
	if xerrors.CodeOf(err) != xerrors.CodeGraphInvariant {
		t.Fatalf("错误码 = %v, 期望 GRAPH_INVARIANT", xerrors.CodeOf(err))
	}
}

func TestCreateRejectsEmptyDescription(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.Create(context.Background(), CreateSpec{Description: "  ", PhaseID: "research"})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("错误码 = %v, 期望 VALIDATION_FAILED", xerrors.CodeOf(err))
	}
}

func TestCreateRejectsMissingDependency(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.Create(context.Background(), CreateSpec{
		Description:  "x",
		PhaseID:      "research",
		Dependencies: []string{"no-such-task"},
	})
	if xerrors.CodeOf(err) != xerrors.CodeGraphInvariant {
		t.Fatalf("错误码 = %v, 期望 GRAPH_INVARIANT", xerrors.CodeOf(err))
	}
}

func TestCreateRejectsBackwardPhase(t *testing.T) {
	g := newTestGraph(t)
	parent := mustCreate(t, g, CreateSpec{Description: "parent", PhaseID: "implement"})

	_, err := g.Create(context.Background(), CreateSpec{
		Description: "child",
		PhaseID:     "research",
		CreatedBy:   parent.ID,
	})
	if xerrors.CodeOf(err) != xerrors.CodeGraphInvariant {
		t.Fatalf("错误码 = %v, 期望 GRAPH_INVARIANT", xerrors.CodeOf(err))
	}
}

func TestCreateAllowsSamePhaseChild(t *testing.T) {
	g := newTestGraph(t)
	parent := mustCreate(t, g, CreateSpec{Description: "parent", PhaseID: "research"})

	child := mustCreate(t, g, CreateSpec{
		Description: "child",
		PhaseID:     "research",
		CreatedBy:   parent.ID,
	})
	if child.CreatedByTaskID != parent.ID {
		t.Fatalf("CreatedByTaskID = %s, 期望 %s", child.CreatedByTaskID, parent.ID)
	}
}

func TestStrictFanOutRejectsExcessChildren(t *testing.T) {
	g := newTestGraph(t)
	parent := mustCreate(t, g, CreateSpec{Description: "parent", PhaseID: "implement"})

	for i := 0; i < 2; i++ {
		mustCreate(t, g, CreateSpec{Description: "child", PhaseID: "implement", CreatedBy: parent.ID})
	}
	_, err := g.Create(context.Background(), CreateSpec{
		Description: "one too many",
		PhaseID:     "implement",
		CreatedBy:   parent.ID,
	})
	if xerrors.CodeOf(err) != xerrors.CodeGraphInvariant {
		t.Fatalf("错误码 = %v, 期望 GRAPH_INVARIANT", xerrors.CodeOf(err))
	}
}

func TestAdvisoryFanOutOnlyWarns(t *testing.T) {
	g := newTestGraph(t)
	parent := mustCreate(t, g, CreateSpec{Description: "parent", PhaseID: "research"})

	for i := 0; i < 4; i++ {
		mustCreate(t, g, CreateSpec{Description: "child", PhaseID: "research", CreatedBy: parent.ID})
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	g := newTestGraph(t)
	task := mustCreate(t, g, CreateSpec{Description: "contested", PhaseID: "research"})

	const agents = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := string(rune('a' + n))
			if _, err := g.Claim(context.Background(), task.ID, agentID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !stdErrors.Is(err, ErrClaimConflict) {
				t.Errorf("意外的错误: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("胜者数量 = %d, 期望 1", wins)
	}
	got, err := g.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != StatusAssigned {
		t.Fatalf("状态 = %s, 期望 assigned", got.Status)
	}
}

func TestTransitionRejectsNonOwner(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "owned", PhaseID: "research"})

	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	_, err := g.Transition(ctx, task.ID, StatusDone, "agent-2", TransitionPayload{
		ResultSummary: "done", KeyLearnings: "learned",
	})
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorizedAgent {
		t.Fatalf("错误码 = %v, 期望 UNAUTHORIZED_AGENT", xerrors.CodeOf(err))
	}
}

func TestTransitionRejectsAnonymousCaller(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "owned", PhaseID: "research"})

	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	_, err := g.Transition(ctx, task.ID, StatusFailed, "", TransitionPayload{Reason: "anonymous"})
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorizedAgent {
		t.Fatalf("错误码 = %v, 期望 UNAUTHORIZED_AGENT", xerrors.CodeOf(err))
	}

	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != StatusAssigned || got.AssignedAgentID != "agent-1" {
		t.Fatalf("匿名变更不应产生副作用: status=%s agent=%s", got.Status, got.AssignedAgentID)
	}
}

func TestTransitionDoneRequiresLearnings(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "strict payload", PhaseID: "research"})

	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	_, err := g.Transition(ctx, task.ID, StatusDone, "agent-1", TransitionPayload{ResultSummary: "done"})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("错误码 = %v, 期望 VALIDATION_FAILED", xerrors.CodeOf(err))
	}
	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != StatusAssigned {
		t.Fatalf("被拒绝的变更不能产生副作用, 状态 = %s", got.Status)
	}
}

func TestTransitionDoneIsIdempotent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "idempotent", PhaseID: "research"})

	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	payload := TransitionPayload{ResultSummary: "done", KeyLearnings: "learned"}
	first, err := g.Transition(ctx, task.ID, StatusDone, "agent-1", payload)
	if err != nil {
		t.Fatalf("首次变更失败: %v", err)
	}
	replay, err := g.Transition(ctx, task.ID, StatusDone, "agent-1", payload)
	if err != nil {
		t.Fatalf("重放应当幂等成功: %v", err)
	}
	if replay.Status != StatusDone || replay.ResultSummary != first.ResultSummary {
		t.Fatalf("重放返回的任务不一致: %+v", replay)
	}
}

func TestReleaseRequeuesThenFails(t *testing.T) {
	g := New(NewMemoryStore(), testWorkflow(t), WithMaxRetries(3))
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "flaky", PhaseID: "research"})

	for attempt := 1; attempt <= 3; attempt++ {
		agentID := "agent-1"
		if _, err := g.Claim(ctx, task.ID, agentID); err != nil {
			t.Fatalf("第 %d 次占用失败: %v", attempt, err)
		}
		if _, err := g.Transition(ctx, task.ID, StatusInProgress, agentID, TransitionPayload{}); err != nil {
			t.Fatalf("第 %d 次开工失败: %v", attempt, err)
		}
		_, err := g.Release(ctx, task.ID, agentID, "心跳超时")
		if attempt < 3 {
			if err != nil {
				t.Fatalf("第 %d 次回收应当重新入队: %v", attempt, err)
			}
			got, _ := g.Get(ctx, task.ID)
			if got.Status != StatusPending {
				t.Fatalf("第 %d 次回收后状态 = %s, 期望 pending", attempt, got.Status)
			}
			continue
		}
		if !stdErrors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("第 3 次回收应当耗尽重试: %v", err)
		}
	}

	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed", got.Status)
	}
	if got.ErrorCode != string(xerrors.CodeRetriesExhausted) {
		t.Fatalf("错误码 = %s, 期望 RETRIES_EXHAUSTED", got.ErrorCode)
	}
}

func TestReleaseConsumesRetriesBeforeStart(t *testing.T) {
	g := New(NewMemoryStore(), testWorkflow(t), WithMaxRetries(3))
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "never starts", PhaseID: "research"})

	// 智能体在 assigned 阶段就失联，从未进入 in_progress。
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
			t.Fatalf("第 %d 次占用失败: %v", attempt, err)
		}
		_, err := g.Release(ctx, task.ID, "agent-1", "派发后失联")
		if attempt < 3 {
			if err != nil {
				t.Fatalf("第 %d 次回收应当重新入队: %v", attempt, err)
			}
			got, _ := g.Get(ctx, task.ID)
			if got.Attempts != attempt {
				t.Fatalf("第 %d 次回收后 attempts = %d, 期望 %d", attempt, got.Attempts, attempt)
			}
			continue
		}
		if !stdErrors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("第 3 次回收应当耗尽重试: %v", err)
		}
	}

	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("状态 = %s, 期望 failed", got.Status)
	}
	if got.ErrorCode != string(xerrors.CodeRetriesExhausted) {
		t.Fatalf("错误码 = %s, 期望 RETRIES_EXHAUSTED", got.ErrorCode)
	}
}

func TestReadyExcludesUnmetDependencies(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	dep := mustCreate(t, g, CreateSpec{Description: "dep", PhaseID: "research"})
	downstream := mustCreate(t, g, CreateSpec{
		Description:  "downstream",
		PhaseID:      "research",
		Dependencies: []string{dep.ID},
	})

	ready, err := g.Ready(ctx)
	if err != nil {
		t.Fatalf("查询就绪集失败: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != dep.ID {
		t.Fatalf("就绪集 = %v, 期望仅含依赖任务", taskIDs(ready))
	}

	if _, err := g.Claim(ctx, dep.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	if _, err := g.Transition(ctx, dep.ID, StatusDone, "agent-1", TransitionPayload{
		ResultSummary: "done", KeyLearnings: "learned",
	}); err != nil {
		t.Fatalf("完成失败: %v", err)
	}

	ready, err = g.Ready(ctx)
	if err != nil {
		t.Fatalf("查询就绪集失败: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != downstream.ID {
		t.Fatalf("就绪集 = %v, 期望仅含下游任务", taskIDs(ready))
	}
}

func TestBlockedAndUnblock(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	task := mustCreate(t, g, CreateSpec{Description: "blockable", PhaseID: "research"})

	if _, err := g.Claim(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("占用失败: %v", err)
	}
	blocked, err := g.Transition(ctx, task.ID, StatusBlocked, "agent-1", TransitionPayload{Reason: "等待外部依赖"})
	if err != nil {
		t.Fatalf("阻塞失败: %v", err)
	}
	if blocked.AssignedAgentID != "" {
		t.Fatalf("阻塞后应释放持有者, 实际 = %s", blocked.AssignedAgentID)
	}

	unblocked, err := g.Transition(ctx, task.ID, StatusPending, "", TransitionPayload{})
	if err != nil {
		t.Fatalf("解除阻塞失败: %v", err)
	}
	if unblocked.Status != StatusPending {
		t.Fatalf("状态 = %s, 期望 pending", unblocked.Status)
	}
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
