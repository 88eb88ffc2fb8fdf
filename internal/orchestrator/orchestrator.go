package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PhaseForge/internal/agent"
	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/events"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/isolation"
	"PhaseForge/internal/llm"
	"PhaseForge/internal/memory"
	"PhaseForge/internal/observability/alerting"
	"PhaseForge/internal/observability/metrics"
	"PhaseForge/internal/scheduler"
	"PhaseForge/pkg/logger"
)

const defaultGracePeriod = 10 * time.Second

// Config 描述编排器的运行参数。
type Config struct {
	// Workers 消费派发队列的并发数。
	Workers int
	// GracePeriod 进程收到停止信号后给执行中智能体的收尾时间。
	GracePeriod time.Duration
	// HeartbeatInterval 执行期间的心跳上报间隔。
	HeartbeatInterval time.Duration
}

// Orchestrator 消费派发消息，驱动智能体完成任务的完整生命周期：
// 隔离工作区、执行、落盘学习、合并与回收。
type Orchestrator struct {
	graph     *graph.Graph
	registry  *agent.Registry
	consumer  scheduler.Consumer
	isolation *isolation.Manager
	memories  *memory.Engine
	client    llm.Client
	log       *events.Log
	alerts    alerting.Dispatcher
	logger    *slog.Logger

	workers           int
	grace             time.Duration
	heartbeatInterval time.Duration
	onFinish          func()
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithOnFinish 注册智能体生命周期结束时的回调，用于归还调度槽位。
func WithOnFinish(fn func()) Option {
	return func(o *Orchestrator) {
		o.onFinish = fn
	}
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// New 构造编排器。
func New(
	g *graph.Graph,
	registry *agent.Registry,
	consumer scheduler.Consumer,
	isolationMgr *isolation.Manager,
	memories *memory.Engine,
	client llm.Client,
	log *events.Log,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	o := &Orchestrator{
		graph:             g,
		registry:          registry,
		consumer:          consumer,
		isolation:         isolationMgr,
		memories:          memories,
		client:            client,
		log:               log,
		logger:            logger.Named("orchestrator"),
		workers:           workers,
		grace:             grace,
		heartbeatInterval: heartbeat,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run 启动消费循环，直到 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.consumer.Consume(ctx, o.workers, o.handle)
}

// outcome 是智能体执行的结构化产出。
type outcome struct {
	ResultSummary string `json:"result_summary"`
	KeyLearnings  string `json:"key_learnings"`
	Subtasks      []struct {
		Description string `json:"description"`
		PhaseID     string `json:"phase_id"`
		Priority    string `json:"priority"`
	} `json:"subtasks"`
}

// handle 驱动一次任务执行。派发消息总是被消费成功,
// 任务层面的失败通过任务图的状态机表达。
func (o *Orchestrator) handle(ctx context.Context, assignment scheduler.Assignment) error {
	a := o.registry.Adopt(assignment.AgentID, assignment.TaskID)
	defer func() {
		if o.onFinish != nil {
			o.onFinish()
		}
	}()

	if o.log != nil {
		_, _ = o.log.Append(ctx, events.Event{
			Type:    events.TypeAgentRegistered,
			TaskID:  assignment.TaskID,
			AgentID: a.ID,
		})
	}

	session, err := o.isolation.Provision(a.ID)
	if err != nil {
		o.failTask(ctx, assignment, "分配隔离工作区失败: "+err.Error())
		o.stopAgent(ctx, a.ID, assignment.TaskID, false)
		return nil
	}
	defer func() {
		if err := o.isolation.Teardown(session); err != nil {
			o.logger.Error("回收工作区失败", slog.Any("error", err), slog.String("agent_id", a.ID))
		}
	}()
	_ = o.registry.SetWorkspace(a.ID, session.Dir)

	task, err := o.graph.Transition(ctx, assignment.TaskID, graph.StatusInProgress, a.ID, graph.TransitionPayload{})
	if err != nil {
		// 任务可能已被回收或重派，放弃本次执行。
		o.logger.Warn("任务开工失败，放弃执行",
			slog.Any("error", err),
			slog.String("task_id", assignment.TaskID),
			slog.String("agent_id", a.ID),
		)
		o.stopAgent(ctx, a.ID, assignment.TaskID, false)
		return nil
	}
	_ = o.registry.MarkWorking(a.ID)

	result, err := o.execute(ctx, a.ID, task, session)
	if err != nil {
		if xerrors.RetryableError(err) {
			if _, relErr := o.graph.Release(ctx, task.ID, a.ID, err.Error()); relErr != nil {
				o.logger.Error("回收任务失败", slog.Any("error", relErr), slog.String("task_id", task.ID))
			}
		} else {
			o.failTask(ctx, assignment, err.Error())
		}
		o.stopAgent(ctx, a.ID, task.ID, true)
		return nil
	}

	if err := o.isolation.Merge(session); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeMergeConflict {
			// 冲突的产出放弃合并，任务重新入队由下一个智能体重做。
			o.logger.Warn("工作区合并冲突，任务重新入队",
				slog.Any("error", err),
				slog.String("task_id", task.ID),
				slog.String("agent_id", a.ID),
			)
			if _, relErr := o.graph.Release(ctx, task.ID, a.ID, "工作区合并冲突"); relErr != nil {
				o.logger.Error("回收任务失败", slog.Any("error", relErr), slog.String("task_id", task.ID))
			}
			o.stopAgent(ctx, a.ID, task.ID, true)
			return nil
		}
		o.failTask(ctx, assignment, "合并工作区失败: "+err.Error())
		o.stopAgent(ctx, a.ID, task.ID, true)
		return nil
	}

	if _, err := o.graph.Transition(ctx, task.ID, graph.StatusDone, a.ID, graph.TransitionPayload{
		ResultSummary: result.ResultSummary,
		KeyLearnings:  result.KeyLearnings,
	}); err != nil {
		o.logger.Error("提交任务结果失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("agent_id", a.ID),
		)
		o.stopAgent(ctx, a.ID, task.ID, true)
		return nil
	}

	metrics.IncCounter("phaseforge_tasks_completed_total")
	o.saveLearnings(ctx, task, a.ID, result)
	o.spawnSubtasks(ctx, task, result)
	o.checkPhaseAdvanced(ctx, task.PhaseID)
	o.stopAgent(ctx, a.ID, task.ID, true)
	return nil
}

// execute 在隔离工作区内完成一次模型调用并落盘产出。
func (o *Orchestrator) execute(ctx context.Context, agentID string, task *graph.Task, session *isolation.Session) (*outcome, error) {
	execCtx, cancel := o.graceContext(ctx)
	defer cancel()

	stopHeartbeat := o.startHeartbeat(execCtx, agentID)
	defer stopHeartbeat()

	prompt := o.buildPrompt(execCtx, task)
	reply, err := o.client.Complete(execCtx, llm.CompletionRequest{
		System: "你是任务编排系统中的执行智能体。完成任务后输出 JSON: " +
			`{"result_summary":"...","key_learnings":"...","subtasks":[{"description":"...","phase_id":"...","priority":"..."}]}`,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	result := parseOutcome(reply)
	notePath := filepath.Join(session.Dir, "results", task.ID+".md")
	if err := os.MkdirAll(filepath.Dir(notePath), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建产出目录失败")
	}
	note := fmt.Sprintf("# 任务 %s\n\n%s\n\n## 关键经验\n\n%s\n", task.ID, result.ResultSummary, result.KeyLearnings)
	if err := os.WriteFile(notePath, []byte(note), 0o644); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入产出失败")
	}
	return result, nil
}

// graceContext 返回一个在父上下文取消后仍保留收尾窗口的上下文。
func (o *Orchestrator) graceContext(parent context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(o.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-execCtx.Done():
		}
	})
	return execCtx, func() {
		stop()
		cancel()
	}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, agentID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := o.registry.Heartbeat(agentID); err != nil {
					return
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// buildPrompt 汇总任务描述与相关历史经验。
func (o *Orchestrator) buildPrompt(ctx context.Context, task *graph.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "任务: %s\n阶段: %s\n优先级: %s\n", task.Description, task.PhaseID, task.Priority)

	if o.memories != nil {
		results, err := o.memories.Search(ctx, memory.SearchInput{Query: task.Description, TopK: 3})
		if err != nil {
			o.logger.Warn("检索历史经验失败", slog.Any("error", err), slog.String("task_id", task.ID))
		} else if len(results) > 0 {
			b.WriteString("\n相关历史经验:\n")
			for _, r := range results {
				fmt.Fprintf(&b, "- %s\n", r.Memory.Content)
			}
		}
	}
	return b.String()
}

func parseOutcome(reply string) *outcome {
	trimmed := strings.TrimSpace(reply)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var result outcome
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil || strings.TrimSpace(result.ResultSummary) == "" {
		// 非结构化回复整体作为结果摘要。
		return &outcome{ResultSummary: reply, KeyLearnings: reply}
	}
	if strings.TrimSpace(result.KeyLearnings) == "" {
		result.KeyLearnings = result.ResultSummary
	}
	return &result
}

func (o *Orchestrator) failTask(ctx context.Context, assignment scheduler.Assignment, reason string) {
	task, err := o.graph.Transition(ctx, assignment.TaskID, graph.StatusFailed, assignment.AgentID, graph.TransitionPayload{
		Reason: reason,
	})
	if err != nil {
		o.logger.Error("标记任务失败时出错",
			slog.Any("error", err),
			slog.String("task_id", assignment.TaskID),
		)
		return
	}
	metrics.IncCounter("phaseforge_tasks_failed_total")
	if o.alerts != nil {
		if notifyErr := o.alerts.Notify(ctx, alerting.Event{
			Code:       xerrors.CodeUnknown,
			Message:    reason,
			Severity:   xerrors.SeverityWarning,
			TaskID:     task.ID,
			AgentID:    assignment.AgentID,
			PhaseID:    task.PhaseID,
			Attempts:   task.Attempts,
			MaxRetries: task.MaxRetries,
		}); notifyErr != nil {
			o.logger.Error("发送告警失败", slog.Any("error", notifyErr), slog.String("task_id", task.ID))
		}
	}
}

// saveLearnings 将任务经验写入记忆库，供后续任务检索。
func (o *Orchestrator) saveLearnings(ctx context.Context, task *graph.Task, agentID string, result *outcome) {
	if o.memories == nil || strings.TrimSpace(result.KeyLearnings) == "" {
		return
	}
	if _, err := o.memories.Store(ctx, memory.StoreInput{
		Content: result.KeyLearnings,
		Kind:    memory.KindLearning,
		PhaseID: task.PhaseID,
		TaskID:  task.ID,
		AgentID: agentID,
	}); err != nil {
		o.logger.Warn("保存经验失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

// spawnSubtasks 根据产出创建子任务。单个子任务被拒不影响其余子任务。
func (o *Orchestrator) spawnSubtasks(ctx context.Context, task *graph.Task, result *outcome) {
	for _, sub := range result.Subtasks {
		spec := graph.CreateSpec{
			Description: sub.Description,
			PhaseID:     sub.PhaseID,
			Priority:    graph.Priority(sub.Priority),
			CreatedBy:   task.ID,
		}
		if spec.PhaseID == "" {
			spec.PhaseID = task.PhaseID
		}
		if spec.Priority == "" {
			spec.Priority = task.Priority
		}
		if _, err := o.graph.Create(ctx, spec); err != nil {
			o.logger.Warn("创建子任务被拒绝",
				slog.Any("error", err),
				slog.String("parent_task_id", task.ID),
				slog.String("description", sub.Description),
			)
		}
	}
}

// checkPhaseAdvanced 在阶段内全部任务终结时发布阶段推进事件。
func (o *Orchestrator) checkPhaseAdvanced(ctx context.Context, phaseID string) {
	if o.log == nil {
		return
	}
	tasks, err := o.graph.List(ctx, graph.WithPhase(phaseID), graph.WithLimit(500))
	if err != nil {
		return
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return
		}
	}
	_, _ = o.log.Append(ctx, events.Event{
		Type: events.TypePhaseAdvanced,
		Data: map[string]any{"phase_id": phaseID},
	})
}

func (o *Orchestrator) stopAgent(ctx context.Context, agentID, taskID string, worked bool) {
	if worked {
		_ = o.registry.MarkIdle(agentID)
	}
	_ = o.registry.MarkStopped(agentID)
	if o.log != nil {
		_, _ = o.log.Append(ctx, events.Event{
			Type:    events.TypeAgentStopped,
			TaskID:  taskID,
			AgentID: agentID,
		})
	}
}
