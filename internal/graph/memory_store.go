package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "PhaseForge/internal/errors"
)

// MemoryStore 以内存方式保存任务图，用于测试和单机运行。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrClaimConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 以 pending→assigned 的 CAS 方式占用任务。
func (m *MemoryStore) Claim(_ context.Context, id, agentID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusPending || task.Archived {
		return cloneTask(task), ErrClaimConflict
	}
	task.Status = StatusAssigned
	task.AssignedAgentID = agentID
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkInProgress 由持有者将任务置为执行中。
func (m *MemoryStore) MarkInProgress(_ context.Context, id, agentID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.AssignedAgentID != agentID {
		return cloneTask(task), ErrNotOwner
	}
	if task.Status != StatusAssigned {
		return cloneTask(task), ErrIllegalTransition
	}
	task.Status = StatusInProgress
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkDone 写入终态结果。
func (m *MemoryStore) MarkDone(_ context.Context, id, agentID, resultSummary, keyLearnings string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.AssignedAgentID != agentID {
		return cloneTask(task), ErrNotOwner
	}
	if task.Status != StatusAssigned && task.Status != StatusInProgress {
		return cloneTask(task), ErrIllegalTransition
	}
	task.Status = StatusDone
	task.ResultSummary = resultSummary
	task.KeyLearnings = keyLearnings
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkFailed 写入失败原因。agentID 为空时表示调度器取消路径。
func (m *MemoryStore) MarkFailed(_ context.Context, id, agentID, reason, code string, _ bool) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if agentID != "" && task.AssignedAgentID != agentID {
		return cloneTask(task), ErrNotOwner
	}
	if task.Status != StatusAssigned && task.Status != StatusInProgress {
		return cloneTask(task), ErrIllegalTransition
	}
	task.Status = StatusFailed
	task.LastError = reason
	task.ErrorCode = code
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkBlocked 声明任务受阻并释放持有权。
func (m *MemoryStore) MarkBlocked(_ context.Context, id, agentID, reason string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.AssignedAgentID != agentID {
		return cloneTask(task), ErrNotOwner
	}
	if task.Status != StatusAssigned && task.Status != StatusInProgress {
		return cloneTask(task), ErrIllegalTransition
	}
	task.Status = StatusBlocked
	task.AssignedAgentID = ""
	task.LastError = reason
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Release 处理心跳超时后的回收。每次回收消耗一次重试额度，
// 无论任务是否进入过 in_progress。
func (m *MemoryStore) Release(_ context.Context, id, cause string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusAssigned && task.Status != StatusInProgress {
		return cloneTask(task), ErrIllegalTransition
	}
	task.AssignedAgentID = ""
	task.LastError = cause
	task.Attempts++
	task.UpdatedAt = time.Now().Unix()
	if task.Attempts >= task.MaxRetries {
		task.Status = StatusFailed
		task.ErrorCode = string(xerrors.CodeRetriesExhausted)
		return cloneTask(task), ErrRetriesExhausted
	}
	task.Status = StatusPending
	task.ErrorCode = string(xerrors.CodeLivenessTimeout)
	return cloneTask(task), nil
}

// Unblock 将受阻任务放回待调度集合。
func (m *MemoryStore) Unblock(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusBlocked {
		return cloneTask(task), ErrIllegalTransition
	}
	task.Status = StatusPending
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Archive 归档任务。
func (m *MemoryStore) Archive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Archived = true
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByCreatedDesc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID > results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, task := range m.tasks {
		if task.Archived {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusAssigned:
			stats.Assigned++
		case StatusInProgress:
			stats.InProgress++
		case StatusBlocked:
			stats.Blocked++
		case StatusDone:
			stats.Done++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if task.Archived && !opts.IncludeArchived {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.PhaseID != "" && task.PhaseID != opts.PhaseID {
		return false
	}
	if opts.CreatedBy != "" && task.CreatedByTaskID != opts.CreatedBy {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
