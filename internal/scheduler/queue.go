package scheduler

import (
	"context"
	"encoding/json"

	xerrors "PhaseForge/internal/errors"
)

// Assignment 是一条派发消息：任务已被占用，等待编排器拉起智能体。
type Assignment struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func encodeAssignment(a Assignment) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化派发消息失败")
	}
	return string(raw), nil
}

func decodeAssignment(raw string) (Assignment, error) {
	var a Assignment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Assignment{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析派发消息失败")
	}
	return a, nil
}

// Handler 处理一条派发消息。
type Handler func(ctx context.Context, assignment Assignment) error

// Producer 负责向队列投递派发消息。
type Producer interface {
	Publish(ctx context.Context, assignment Assignment) error
	Close() error
}

// Consumer 负责从队列中消费派发消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
