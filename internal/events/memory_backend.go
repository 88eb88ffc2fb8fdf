package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend 基于内存切片的事件后端，用于单进程部署和测试。
type MemoryBackend struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

// NewMemoryBackend 创建内存事件后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Append 分配下一序号并追加事件。
func (b *MemoryBackend) Append(_ context.Context, ev Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b.events = append(b.events, ev)
	return ev, nil
}

// ReadFrom 返回序号大于 cursor 的事件，最多 limit 条。
func (b *MemoryBackend) ReadFrom(_ context.Context, cursor uint64, limit int) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range b.events {
		if ev.Seq <= cursor {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LastSeq 返回已分配的最大序号。
func (b *MemoryBackend) LastSeq(_ context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq, nil
}

// Close 实现 Backend 接口。
func (b *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
