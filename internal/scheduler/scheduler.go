package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"PhaseForge/internal/agent"
	xerrors "PhaseForge/internal/errors"
	"PhaseForge/internal/events"
	"PhaseForge/internal/graph"
	"PhaseForge/internal/observability/alerting"
	"PhaseForge/internal/observability/metrics"
	"PhaseForge/pkg/logger"
)

// Config 描述调度器的运行参数。
type Config struct {
	// Interval 调度循环的基础间隔。
	Interval time.Duration
	// MaxConcurrentAgents 同时在线的智能体上限。
	MaxConcurrentAgents int
	// HeartbeatTimeout 心跳超时阈值，超过即判定失联。
	HeartbeatTimeout time.Duration
	// PhaseClaimCap 单个阶段同时被占用的任务上限，阶段定义里的
	// Concurrency 优先于该全局值。
	PhaseClaimCap int
}

// Scheduler 周期性扫描就绪任务，按优先级派发给编排器。
// 同时承担失联智能体的回收。
type Scheduler struct {
	graph    *graph.Graph
	registry *agent.Registry
	producer Producer
	log      *events.Log
	alerts   alerting.Dispatcher
	logger   *slog.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration
	phaseClaimCap    int
	sem              *semaphore.Weighted
	wake             chan struct{}
	quiescent        bool
}

// Option 定义调度器的可选配置。
type Option func(*Scheduler)

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerts = d
	}
}

// New 构造调度器。
func New(g *graph.Graph, registry *agent.Registry, producer Producer, log *events.Log, cfg Config, opts ...Option) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxAgents := cfg.MaxConcurrentAgents
	if maxAgents <= 0 {
		maxAgents = 4
	}
	heartbeat := cfg.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	s := &Scheduler{
		graph:            g,
		registry:         registry,
		producer:         producer,
		log:              log,
		logger:           logger.Named("scheduler"),
		interval:         interval,
		heartbeatTimeout: heartbeat,
		phaseClaimCap:    cfg.PhaseClaimCap,
		sem:              semaphore.NewWeighted(int64(maxAgents)),
		wake:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	metrics.RegisterGauge("phaseforge_agents_active", func() float64 {
		return float64(registry.ActiveCount())
	})
	return s
}

// Wake 立即触发一轮调度，用于任务创建后的即时响应。
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ReleaseSlot 归还一个执行槽位。由编排器在智能体生命周期结束时调用。
func (s *Scheduler) ReleaseSlot() {
	s.sem.Release(1)
}

// Run 启动调度循环，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepLiveness(ctx)
		s.dispatch(ctx)
		s.checkQuiescence(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// sweepLiveness 回收心跳超时的智能体及其持有的任务。
func (s *Scheduler) sweepLiveness(ctx context.Context) {
	for _, a := range s.registry.Expired(s.heartbeatTimeout) {
		if err := s.registry.MarkCrashed(a.ID); err != nil {
			continue
		}
		s.logger.Warn("智能体心跳超时，判定失联",
			slog.String("agent_id", a.ID),
			slog.String("task_id", a.TaskID),
			slog.Time("last_heartbeat", a.LastHeartbeat),
		)
		if s.log != nil {
			_, _ = s.log.Append(ctx, events.Event{
				Type:    events.TypeAgentCrashed,
				TaskID:  a.TaskID,
				AgentID: a.ID,
			})
		}
		metrics.IncCounter("phaseforge_agents_crashed_total")
		if a.TaskID == "" {
			continue
		}
		task, err := s.graph.Release(ctx, a.TaskID, a.ID, "智能体心跳超时")
		if err != nil {
			if stdErrors.Is(err, graph.ErrRetriesExhausted) && task != nil {
				s.notify(ctx, alerting.Event{
					Code:       xerrors.CodeRetriesExhausted,
					Message:    "任务耗尽重试，永久失败",
					Severity:   xerrors.SeverityCritical,
					TaskID:     task.ID,
					AgentID:    a.ID,
					PhaseID:    task.PhaseID,
					Attempts:   task.Attempts,
					MaxRetries: task.MaxRetries,
				})
				continue
			}
			s.logger.Error("回收任务失败",
				slog.Any("error", err),
				slog.String("task_id", a.TaskID),
				slog.String("agent_id", a.ID),
			)
		}
	}
}

func (s *Scheduler) notify(ctx context.Context, event alerting.Event) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		s.logger.Error("发送告警失败", slog.Any("error", err), slog.String("task_id", event.TaskID))
	}
}

// dispatch 将就绪任务按优先级派发。占用槽位、CAS 占用任务、
// 投递派发消息，三步中任何一步失败都完整回退。
func (s *Scheduler) dispatch(ctx context.Context) {
	ready, err := s.graph.Ready(ctx)
	if err != nil {
		s.logger.Error("查询就绪集失败", slog.Any("error", err))
		return
	}
	if len(ready) == 0 {
		return
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() > ready[j].Priority.Rank()
		}
		return ready[i].CreatedAt < ready[j].CreatedAt
	})

	phaseActive, err := s.activeByPhase(ctx)
	if err != nil {
		s.logger.Error("统计阶段占用失败", slog.Any("error", err))
		return
	}

	for _, task := range ready {
		if ctx.Err() != nil {
			return
		}
		if !s.phaseHasCapacity(task.PhaseID, phaseActive) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			return
		}

		a := s.registry.Register(task.ID)
		claimed, err := s.graph.Claim(ctx, task.ID, a.ID)
		if err != nil {
			// 竞争失败或任务已不在 pending，回退本次派发。
			s.registry.Remove(a.ID)
			s.sem.Release(1)
			continue
		}
		if err := s.producer.Publish(ctx, Assignment{TaskID: claimed.ID, AgentID: a.ID}); err != nil {
			s.logger.Error("投递派发消息失败",
				slog.Any("error", err),
				slog.String("task_id", claimed.ID),
			)
			if _, relErr := s.graph.Release(ctx, claimed.ID, a.ID, "派发消息投递失败"); relErr != nil {
				s.logger.Error("回退占用失败", slog.Any("error", relErr), slog.String("task_id", claimed.ID))
			}
			s.registry.Remove(a.ID)
			s.sem.Release(1)
			continue
		}
		phaseActive[task.PhaseID]++
		metrics.IncCounter("phaseforge_tasks_dispatched_total")
		s.logger.Info("任务已派发",
			slog.String("task_id", claimed.ID),
			slog.String("agent_id", a.ID),
			slog.String("phase_id", claimed.PhaseID),
			slog.String("priority", string(claimed.Priority)),
		)
	}
}

// checkQuiescence 在一轮完整调度后检查所有阶段是否已无待执行任务。
// 工作流没有显式的“完成”状态，静默即为结束；状态翻转时记录一次。
func (s *Scheduler) checkQuiescence(ctx context.Context) {
	stats, err := s.graph.Stats(ctx)
	if err != nil {
		return
	}
	idle := stats.Pending == 0 && stats.Assigned == 0 && stats.InProgress == 0 &&
		s.registry.ActiveCount() == 0
	if idle && !s.quiescent {
		s.logger.Info("所有阶段已无待执行任务，工作流进入静默",
			slog.Int("done", stats.Done),
			slog.Int("failed", stats.Failed),
			slog.Int("blocked", stats.Blocked),
		)
	}
	s.quiescent = idle
}

func (s *Scheduler) activeByPhase(ctx context.Context) (map[string]int, error) {
	active, err := s.graph.List(ctx,
		graph.WithStatuses(graph.StatusAssigned, graph.StatusInProgress),
		graph.WithLimit(500),
	)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(active))
	for _, task := range active {
		counts[task.PhaseID]++
	}
	return counts, nil
}

func (s *Scheduler) phaseHasCapacity(phaseID string, active map[string]int) bool {
	limit := s.phaseClaimCap
	if phase, ok := s.graph.Workflow().Get(phaseID); ok && phase.Concurrency > 0 {
		limit = phase.Concurrency
	}
	if limit <= 0 {
		return true
	}
	return active[phaseID] < limit
}
