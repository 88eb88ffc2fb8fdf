package events

import "time"

// Type 标识事件种类。
type Type string

const (
	// TypeTaskCreated 任务被追加到任务图。
	TypeTaskCreated Type = "task_created"
	// TypeTaskTransitioned 任务状态发生变更。
	TypeTaskTransitioned Type = "task_transitioned"
	// TypeAgentRegistered 智能体注册。
	TypeAgentRegistered Type = "agent_registered"
	// TypeAgentStopped 智能体正常停止。
	TypeAgentStopped Type = "agent_stopped"
	// TypeAgentCrashed 智能体被判定为失联。
	TypeAgentCrashed Type = "agent_crashed"
	// TypeMemoryStored 记忆条目写入。
	TypeMemoryStored Type = "memory_stored"
	// TypePhaseAdvanced 某阶段的全部任务完成。
	TypePhaseAdvanced Type = "phase_advanced"
)

// Event 是一条仅追加的事件记录。Seq 由后端分配、全局单调递增，
// 消费者凭 Seq 做断点续读。
type Event struct {
	Seq        uint64         `json:"seq"`
	Type       Type           `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
