package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "PhaseForge/internal/errors"
)

// Status 表示智能体的生命周期状态。
type Status string

const (
	// StatusSpawning 正在初始化隔离工作区。
	StatusSpawning Status = "spawning"
	// StatusWorking 正在执行任务。
	StatusWorking Status = "working"
	// StatusIdle 已完成任务，等待回收。
	StatusIdle Status = "idle"
	// StatusStopped 已正常停止。
	StatusStopped Status = "stopped"
	// StatusCrashed 心跳超时被判定为失联。
	StatusCrashed Status = "crashed"
)

// Agent 是一次任务执行的运行时记录。智能体与任务一一对应，
// 生命周期随任务结束而结束。
type Agent struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Status        Status    `json:"status"`
	Workspace     string    `json:"workspace,omitempty"`
	SpawnedAt     time.Time `json:"spawned_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	StoppedAt     time.Time `json:"stopped_at,omitzero"`
}

// Registry 保存在线智能体的运行时记录。记录只在进程内有意义,
// 不做持久化。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry 创建空的智能体注册表。
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register 为指定任务注册一个新智能体。
func (r *Registry) Register(taskID string) *Agent {
	now := time.Now().UTC()
	a := &Agent{
		ID:            fmt.Sprintf("agent-%s", uuid.NewString()),
		TaskID:        taskID,
		Status:        StatusSpawning,
		SpawnedAt:     now,
		LastHeartbeat: now,
	}
	r.mu.Lock()
	r.agents[a.ID] = a
	r.mu.Unlock()
	return cloneAgent(a)
}

// Adopt 登记一个由其他进程派发的智能体。记录已存在时返回现有快照。
func (r *Registry) Adopt(id, taskID string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		return cloneAgent(a)
	}
	now := time.Now().UTC()
	a := &Agent{
		ID:            id,
		TaskID:        taskID,
		Status:        StatusSpawning,
		SpawnedAt:     now,
		LastHeartbeat: now,
	}
	r.agents[id] = a
	return cloneAgent(a)
}

// Heartbeat 刷新智能体的存活时间。已停止或失联的智能体不再接受心跳。
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体不存在: %s", id))
	}
	if a.Status == StatusStopped || a.Status == StatusCrashed {
		return xerrors.New(xerrors.CodeLivenessTimeout, fmt.Sprintf("智能体 %s 已处于 %s, 拒绝心跳", id, a.Status))
	}
	a.LastHeartbeat = time.Now().UTC()
	return nil
}

// SetWorkspace 记录智能体的隔离工作区路径。
func (r *Registry) SetWorkspace(id, workspace string) error {
	return r.update(id, func(a *Agent) {
		a.Workspace = workspace
	})
}

// MarkWorking 将智能体置为执行中并刷新心跳。
func (r *Registry) MarkWorking(id string) error {
	return r.update(id, func(a *Agent) {
		a.Status = StatusWorking
		a.LastHeartbeat = time.Now().UTC()
	})
}

// MarkIdle 任务执行完毕，智能体等待回收。
func (r *Registry) MarkIdle(id string) error {
	return r.update(id, func(a *Agent) {
		a.Status = StatusIdle
		a.LastHeartbeat = time.Now().UTC()
	})
}

// MarkStopped 正常停止智能体。
func (r *Registry) MarkStopped(id string) error {
	return r.update(id, func(a *Agent) {
		a.Status = StatusStopped
		a.StoppedAt = time.Now().UTC()
	})
}

// MarkCrashed 将失联的智能体标记为崩溃。
func (r *Registry) MarkCrashed(id string) error {
	return r.update(id, func(a *Agent) {
		a.Status = StatusCrashed
		a.StoppedAt = time.Now().UTC()
	})
}

func (r *Registry) update(id string, apply func(*Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体不存在: %s", id))
	}
	apply(a)
	return nil
}

// Get 返回指定智能体的快照。
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体不存在: %s", id))
	}
	return cloneAgent(a), nil
}

// List 返回全部智能体的快照，按注册时间排序。
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SpawnedAt.Before(out[j].SpawnedAt)
	})
	return out
}

// Expired 返回心跳超时的在线智能体。
func (r *Registry) Expired(timeout time.Duration) []*Agent {
	deadline := time.Now().UTC().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0)
	for _, a := range r.agents {
		if a.Status != StatusSpawning && a.Status != StatusWorking {
			continue
		}
		if a.LastHeartbeat.Before(deadline) {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// ActiveCount 返回仍在占用执行槽位的智能体数量。
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == StatusSpawning || a.Status == StatusWorking {
			n++
		}
	}
	return n
}

// Remove 从注册表中删除已终止的智能体记录。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	return &cp
}
