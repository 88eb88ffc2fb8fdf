package graph

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/events"
	"PhaseForge/internal/workflow"
	"PhaseForge/pkg/logger"
)

// CreateSpec 描述创建任务所需的全部字段。
type CreateSpec struct {
	Description  string   `json:"description"`
	PhaseID      string   `json:"phase_id"`
	Priority     Priority `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

// TransitionPayload 携带状态变更所需的附加字段。
type TransitionPayload struct {
	ResultSummary string `json:"result_summary,omitempty"`
	KeyLearnings  string `json:"key_learnings,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Graph 是任务图的唯一所有权边界：校验不变量并委托存储层完成原子变更。
type Graph struct {
	store      Store
	wf         *workflow.Workflow
	maxRetries int
	log        *events.Log
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Graph)

// WithMaxRetries 设置任务被回收后允许的最大重试次数。
func WithMaxRetries(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// WithEventLog 配置事件日志，所有成功的变更都会追加事件。
func WithEventLog(log *events.Log) Option {
	return func(g *Graph) {
		g.log = log
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = l
	}
}

// New 构造任务图服务。
func New(store Store, wf *workflow.Workflow, opts ...Option) *Graph {
	g := &Graph{store: store, wf: wf, maxRetries: 3}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = logger.Named("graph")
	}
	return g
}

// Workflow 返回加载的阶段定义。
func (g *Graph) Workflow() *workflow.Workflow {
	return g.wf
}

// Create 校验全部图不变量后追加一个新任务。
// 任何校验失败都同步拒绝，不产生部分状态。
func (g *Graph) Create(ctx context.Context, spec CreateSpec) (*Task, error) {
	if strings.TrimSpace(spec.Description) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "任务描述不能为空")
	}
	if spec.Priority == "" {
		spec.Priority = PriorityMedium
	}
	if !IsValidPriority(spec.Priority) {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的优先级: %s", spec.Priority))
	}

	phase, ok := g.wf.Get(spec.PhaseID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeGraphInvariant, fmt.Sprintf("阶段不存在: %s", spec.PhaseID))
	}

	var creator *Task
	if spec.CreatedBy != "" {
		parent, err := g.store.Get(ctx, spec.CreatedBy)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeGraphInvariant, err, fmt.Sprintf("创建者任务不存在: %s", spec.CreatedBy))
		}
		creator = parent
		// 阶段只进不退，保证任务树有限展开。
		if phase.Order < parent.PhaseOrder {
			return nil, xerrors.New(xerrors.CodeGraphInvariant,
				fmt.Sprintf("子任务阶段 %s(order=%d) 早于创建者阶段 order=%d", spec.PhaseID, phase.Order, parent.PhaseOrder))
		}
	}

	if err := g.validateDependencies(ctx, spec.Dependencies); err != nil {
		return nil, err
	}

	if creator != nil {
		if err := g.checkFanOut(ctx, creator); err != nil {
			return nil, err
		}
	}

	task := &Task{
		ID:              uuid.NewString(),
		Description:     spec.Description,
		PhaseID:         spec.PhaseID,
		PhaseOrder:      phase.Order,
		Status:          StatusPending,
		Priority:        spec.Priority,
		CreatedByTaskID: spec.CreatedBy,
		Dependencies:    append([]string(nil), spec.Dependencies...),
		MaxRetries:      g.maxRetries,
	}
	if err := g.store.Create(ctx, task); err != nil {
		return nil, err
	}

	g.emit(ctx, events.TypeTaskCreated, task.ID, "", map[string]any{
		"phase_id":   task.PhaseID,
		"priority":   string(task.Priority),
		"created_by": task.CreatedByTaskID,
	})
	logger.Audit().Info("任务已创建",
		slog.String("task_id", task.ID),
		slog.String("phase_id", task.PhaseID),
		slog.String("priority", string(task.Priority)),
		slog.String("created_by", task.CreatedByTaskID),
	)
	return cloneTask(task), nil
}

// validateDependencies 确认依赖存在且依赖闭包无环。
func (g *Graph) validateDependencies(ctx context.Context, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(deps))
	edges := make([]toposort.Edge, 0, len(deps))
	queue := make([]string, 0, len(deps))

	for _, dep := range deps {
		if strings.TrimSpace(dep) == "" {
			return xerrors.New(xerrors.CodeValidation, "依赖任务 ID 不能为空")
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		queue = append(queue, dep)
		edges = append(edges, toposort.Edge{dep, "__new__"})
	}

	// 广度优先展开依赖闭包，逐条校验存在性。
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dep, err := g.store.Get(ctx, id)
		if err != nil {
			if stdErrors.Is(err, ErrTaskNotFound) {
				return xerrors.New(xerrors.CodeGraphInvariant, fmt.Sprintf("依赖任务不存在: %s", id))
			}
			return err
		}
		for _, upstream := range dep.Dependencies {
			edges = append(edges, toposort.Edge{upstream, id})
			if _, ok := seen[upstream]; ok {
				continue
			}
			seen[upstream] = struct{}{}
			queue = append(queue, upstream)
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return xerrors.Wrap(xerrors.CodeGraphInvariant, err, "依赖图存在环")
	}
	return nil
}

// checkFanOut 根据创建者所在阶段的 fan-out 策略进行软/硬校验。
func (g *Graph) checkFanOut(ctx context.Context, creator *Task) error {
	phase, ok := g.wf.Get(creator.PhaseID)
	if !ok || phase.FanOut.Max <= 0 {
		return nil
	}
	children, err := g.store.List(ctx, ListOptions{CreatedBy: creator.ID, Limit: phase.FanOut.Max + 1, IncludeArchived: true})
	if err != nil {
		return err
	}
	if len(children)+1 <= phase.FanOut.Max {
		return nil
	}
	if phase.StrictFanOut {
		return xerrors.New(xerrors.CodeGraphInvariant,
			fmt.Sprintf("任务 %s 超出阶段 %s 的 fan-out 上限 %d", creator.ID, phase.ID, phase.FanOut.Max))
	}
	g.logger.Warn("超出阶段建议的 fan-out 范围",
		slog.String("task_id", creator.ID),
		slog.String("phase_id", phase.ID),
		slog.Int("fan_out_max", phase.FanOut.Max),
		slog.Int("children", len(children)+1),
	)
	return nil
}

// Claim 以 CAS 方式占用任务，至多一个胜者，失败方不产生任何变更。
func (g *Graph) Claim(ctx context.Context, taskID, agentID string) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "agent ID 不能为空")
	}
	task, err := g.store.Claim(ctx, taskID, agentID)
	if err != nil {
		return task, err
	}
	g.emit(ctx, events.TypeTaskTransitioned, task.ID, agentID, map[string]any{
		"status": string(StatusAssigned),
	})
	return task, nil
}

// Transition 执行状态机变更。assigned/in_progress 的变更只允许持有者发起，
// 终态要求携带对应的载荷字段。对已应用过的终态重放是无副作用的幂等操作。
func (g *Graph) Transition(ctx context.Context, taskID string, to Status, agentID string, payload TransitionPayload) (*Task, error) {
	if !IsValidStatus(to) {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的任务状态: %s", to))
	}
	// 除解除受阻外的变更都必须由持有者发起。匿名调用在这里拒绝，
	// 避免命中存储层为调度器保留的免持有者取消路径。
	if to != StatusPending && strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthorizedAgent, "状态变更必须携带发起者的 agent ID")
	}

	var (
		task *Task
		err  error
	)
	switch to {
	case StatusInProgress:
		task, err = g.store.MarkInProgress(ctx, taskID, agentID)
	case StatusDone:
		if strings.TrimSpace(payload.ResultSummary) == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "done 状态要求提供 result_summary")
		}
		if strings.TrimSpace(payload.KeyLearnings) == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "done 状态要求提供 key_learnings")
		}
		task, err = g.store.MarkDone(ctx, taskID, agentID, payload.ResultSummary, payload.KeyLearnings)
	case StatusFailed:
		if strings.TrimSpace(payload.Reason) == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "failed 状态要求提供失败原因")
		}
		task, err = g.store.MarkFailed(ctx, taskID, agentID, payload.Reason, string(xerrors.CodeUnknown), true)
	case StatusBlocked:
		task, err = g.store.MarkBlocked(ctx, taskID, agentID, payload.Reason)
	case StatusPending:
		task, err = g.store.Unblock(ctx, taskID)
	default:
		return nil, xerrors.New(xerrors.CodeGraphInvariant, fmt.Sprintf("状态 %s 只能由调度器进入", to))
	}

	if err != nil {
		// 终态重放：任务已处于目标状态且由同一持有者写入，视为无副作用成功。
		if stdErrors.Is(err, ErrIllegalTransition) && task != nil && to.Terminal() &&
			task.Status == to && task.AssignedAgentID == agentID {
			return task, nil
		}
		return task, err
	}

	g.emit(ctx, events.TypeTaskTransitioned, task.ID, agentID, map[string]any{
		"status": string(to),
		"reason": payload.Reason,
	})
	if to == StatusFailed {
		logger.Audit().Warn("任务失败",
			slog.String("task_id", task.ID),
			slog.String("agent_id", agentID),
			slog.String("reason", payload.Reason),
			slog.String("error_code", task.ErrorCode),
			slog.Int("attempts", task.Attempts),
		)
	}
	return task, nil
}

// Release 回收失联智能体持有的任务：未耗尽重试时放回 pending，
// 否则永久失败并记录完整的失败链路。
func (g *Graph) Release(ctx context.Context, taskID, agentID, cause string) (*Task, error) {
	task, err := g.store.Release(ctx, taskID, cause)
	if err != nil {
		if stdErrors.Is(err, ErrRetriesExhausted) && task != nil {
			g.emit(ctx, events.TypeTaskTransitioned, task.ID, agentID, map[string]any{
				"status": string(StatusFailed),
				"reason": cause,
			})
			logger.Audit().Error("任务重试耗尽，永久失败",
				slog.String("task_id", task.ID),
				slog.String("last_agent_id", agentID),
				slog.String("cause", cause),
				slog.String("error_code", task.ErrorCode),
				slog.Int("attempts", task.Attempts),
				slog.Int("max_retries", task.MaxRetries),
			)
			return task, err
		}
		return task, err
	}
	g.emit(ctx, events.TypeTaskTransitioned, task.ID, agentID, map[string]any{
		"status": string(StatusPending),
		"reason": cause,
	})
	return task, nil
}

// Ready 返回依赖全部完成的待调度任务。
func (g *Graph) Ready(ctx context.Context) ([]*Task, error) {
	pending, err := g.store.List(ctx, ListOptions{Statuses: []Status{StatusPending}, Limit: 500})
	if err != nil {
		return nil, err
	}
	ready := make([]*Task, 0, len(pending))
	for _, task := range pending {
		ok, err := g.dependenciesDone(ctx, task)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready, nil
}

func (g *Graph) dependenciesDone(ctx context.Context, task *Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := g.store.Get(ctx, dep)
		if err != nil {
			return false, err
		}
		if depTask.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// Get 返回指定任务。
func (g *Graph) Get(ctx context.Context, id string) (*Task, error) {
	return g.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (g *Graph) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return g.store.List(ctx, buildListOptions(opts))
}

// Stats 返回任务统计信息。
func (g *Graph) Stats(ctx context.Context) (Stats, error) {
	return g.store.Stats(ctx)
}

// Archive 归档任务。任务从不删除。
func (g *Graph) Archive(ctx context.Context, id string) error {
	return g.store.Archive(ctx, id)
}

// Close 释放存储资源。
func (g *Graph) Close() error {
	return g.store.Close()
}

func (g *Graph) emit(ctx context.Context, eventType events.Type, taskID, agentID string, data map[string]any) {
	if g.log == nil {
		return
	}
	if _, err := g.log.Append(ctx, events.Event{
		Type:    eventType,
		TaskID:  taskID,
		AgentID: agentID,
		Data:    data,
	}); err != nil {
		g.logger.Error("追加事件失败", slog.Any("error", err), slog.String("task_id", taskID))
	}
}
