package events

import "context"

// Backend 定义事件持久化后端。Append 负责分配序号并落盘，
// ReadFrom 返回序号大于 cursor 的历史事件。
type Backend interface {
	Append(ctx context.Context, ev Event) (Event, error)
	ReadFrom(ctx context.Context, cursor uint64, limit int) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
	Close() error
}
