package scheduler

import (
	"context"
	"testing"
	"time"

	"PhaseForge/internal/agent"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/workflow"
)

func testWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New([]workflow.Phase{
		{ID: "research", Order: 1, Name: "研究"},
		{ID: "implement", Order: 2, Name: "实现", Concurrency: 1},
	})
	if err != nil {
		t.Fatalf("构造工作流失败: %v", err)
	}
	return wf
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *graph.Graph, *agent.Registry, *MemoryQueue) {
	t.Helper()
	g := graph.New(graph.NewMemoryStore(), testWorkflow(t))
	registry := agent.NewRegistry()
	queue := NewMemoryQueue(16)
	return New(g, registry, queue, nil, cfg), g, registry, queue
}

func createTask(t *testing.T, g *graph.Graph, description, phase string, priority graph.Priority) *graph.Task {
	t.Helper()
	task, err := g.Create(context.Background(), graph.CreateSpec{
		Description: description,
		PhaseID:     phase,
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return task
}

func receiveAssignment(t *testing.T, queue *MemoryQueue) Assignment {
	t.Helper()
	select {
	case a := <-queue.ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("等待派发消息超时")
		return Assignment{}
	}
}

func TestDispatchClaimsAndPublishes(t *testing.T) {
	s, g, registry, queue := newTestScheduler(t, Config{MaxConcurrentAgents: 4})
	ctx := context.Background()
	task := createTask(t, g, "就绪任务", "research", graph.PriorityMedium)

	s.dispatch(ctx)

	assignment := receiveAssignment(t, queue)
	if assignment.TaskID != task.ID {
		t.Fatalf("派发任务 = %s, 期望 %s", assignment.TaskID, task.ID)
	}
	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != graph.StatusAssigned || got.AssignedAgentID != assignment.AgentID {
		t.Fatalf("任务未被正确占用: %+v", got)
	}
	if _, err := registry.Get(assignment.AgentID); err != nil {
		t.Fatalf("智能体未注册: %v", err)
	}
}

func TestDispatchPrefersHigherPriority(t *testing.T) {
	s, g, _, queue := newTestScheduler(t, Config{MaxConcurrentAgents: 1})
	ctx := context.Background()
	createTask(t, g, "低优先级", "research", graph.PriorityLow)
	urgent := createTask(t, g, "紧急任务", "research", graph.PriorityCritical)

	s.dispatch(ctx)

	assignment := receiveAssignment(t, queue)
	if assignment.TaskID != urgent.ID {
		t.Fatalf("派发任务 = %s, 期望优先派发 %s", assignment.TaskID, urgent.ID)
	}
	// 槽位耗尽后不再派发。
	select {
	case extra := <-queue.ch:
		t.Fatalf("槽位耗尽后仍派发了 %s", extra.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatchHonorsPhaseConcurrency(t *testing.T) {
	s, g, _, queue := newTestScheduler(t, Config{MaxConcurrentAgents: 8})
	ctx := context.Background()
	createTask(t, g, "实现任务一", "implement", graph.PriorityMedium)
	createTask(t, g, "实现任务二", "implement", graph.PriorityMedium)

	s.dispatch(ctx)

	receiveAssignment(t, queue)
	select {
	case extra := <-queue.ch:
		t.Fatalf("阶段并发上限被突破, 多派发了 %s", extra.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReleaseSlotAllowsFurtherDispatch(t *testing.T) {
	s, g, _, queue := newTestScheduler(t, Config{MaxConcurrentAgents: 1})
	ctx := context.Background()
	createTask(t, g, "任务一", "research", graph.PriorityMedium)
	createTask(t, g, "任务二", "research", graph.PriorityMedium)

	s.dispatch(ctx)
	first := receiveAssignment(t, queue)

	s.ReleaseSlot()
	s.dispatch(ctx)
	second := receiveAssignment(t, queue)
	if first.TaskID == second.TaskID {
		t.Fatalf("重复派发了同一任务 %s", first.TaskID)
	}
}

func TestSweepLivenessReclaimsStaleAgent(t *testing.T) {
	s, g, registry, queue := newTestScheduler(t, Config{MaxConcurrentAgents: 4, HeartbeatTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	task := createTask(t, g, "会失联的任务", "research", graph.PriorityMedium)

	s.dispatch(ctx)
	assignment := receiveAssignment(t, queue)
	if err := registry.MarkWorking(assignment.AgentID); err != nil {
		t.Fatalf("置为执行中失败: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	s.sweepLiveness(ctx)

	got, err := g.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Status != graph.StatusPending {
		t.Fatalf("失联后任务状态 = %s, 期望 pending", got.Status)
	}
	a, err := registry.Get(assignment.AgentID)
	if err != nil {
		t.Fatalf("读取智能体失败: %v", err)
	}
	if a.Status != agent.StatusCrashed {
		t.Fatalf("智能体状态 = %s, 期望 crashed", a.Status)
	}
}

func TestWakeDoesNotBlock(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{})
	for i := 0; i < 10; i++ {
		s.Wake()
	}
}
