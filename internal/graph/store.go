package graph

import "context"

// Store 抽象了任务图的持久化接口。所有 Mark* 方法都通过
// 条件更新实现 compare-and-set：状态或持有者不匹配时不产生任何变更。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context) (Stats, error)

	// Claim 以 pending→assigned 的 CAS 方式占用任务，最多一个胜者。
	Claim(ctx context.Context, id, agentID string) (*Task, error)
	// MarkInProgress 由持有者将任务置为执行中。
	MarkInProgress(ctx context.Context, id, agentID string) (*Task, error)
	// MarkDone 由持有者写入终态结果。
	MarkDone(ctx context.Context, id, agentID, resultSummary, keyLearnings string) (*Task, error)
	// MarkFailed 由持有者（或调度器取消路径）写入失败原因。
	MarkFailed(ctx context.Context, id, agentID, reason, code string, terminal bool) (*Task, error)
	// MarkBlocked 由持有者声明任务受阻并释放持有权。
	MarkBlocked(ctx context.Context, id, agentID, reason string) (*Task, error)
	// Release 处理心跳超时：assigned/in_progress→pending 并累计尝试次数；
	// 超过 MaxRetries 时转为永久失败。
	Release(ctx context.Context, id, cause string) (*Task, error)
	// Unblock 将受阻任务放回待调度集合。
	Unblock(ctx context.Context, id string) (*Task, error)
	// Archive 归档任务，归档任务不再参与调度。
	Archive(ctx context.Context, id string) error

	Close() error
}
