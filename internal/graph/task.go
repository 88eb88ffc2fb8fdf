package graph

import (
	xerrors "PhaseForge/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAssigned, StatusInProgress, StatusBlocked, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Priority 表示任务的调度优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank 返回优先级的数值大小，数值越大越优先。
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// IsValidPriority 检查优先级枚举值。
func IsValidPriority(p Priority) bool {
	return p.Rank() >= 0
}

// Task 描述任务图中的一个节点。任务从不删除，只会被归档。
type Task struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	PhaseID         string   `json:"phase_id"`
	PhaseOrder      int      `json:"phase_order"`
	Status          Status   `json:"status"`
	Priority        Priority `json:"priority"`
	AssignedAgentID string   `json:"assigned_agent_id,omitempty"`
	CreatedByTaskID string   `json:"created_by_task_id,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	ResultSummary   string   `json:"result_summary,omitempty"`
	KeyLearnings    string   `json:"key_learnings,omitempty"`
	Attempts        int      `json:"attempts"`
	MaxRetries      int      `json:"max_retries"`
	LastError       string   `json:"last_error,omitempty"`
	ErrorCode       string   `json:"error_code,omitempty"`
	Archived        bool     `json:"archived"`
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrClaimConflict 表示任务已被其他智能体占用，竞争失败方收到此错误。
	ErrClaimConflict = xerrors.New(xerrors.CodeConflict, "task already claimed")
	// ErrNotOwner 表示调用方不是任务的当前持有者。
	ErrNotOwner = xerrors.New(xerrors.CodeUnauthorizedAgent, "agent does not own this task")
	// ErrIllegalTransition 表示状态机不允许的状态变更。
	ErrIllegalTransition = xerrors.New(xerrors.CodeGraphInvariant, "illegal status transition")
	// ErrRetriesExhausted 表示任务的重试次数已经耗尽。
	ErrRetriesExhausted = xerrors.New(xerrors.CodeRetriesExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Dependencies != nil {
		clone.Dependencies = append([]string(nil), task.Dependencies...)
	}
	return &clone
}
