package scheduler

import (
	"context"
	"sync"

	xerrors "PhaseForge/internal/errors"
)

// MemoryQueue 使用 channel 模拟派发队列，用于测试和单机运行。
type MemoryQueue struct {
	ch     chan Assignment
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存派发队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Assignment, size)}
}

// Publish 将派发消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, assignment Assignment) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- assignment:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费派发消息。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case assignment, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, assignment)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
