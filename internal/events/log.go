package events

import (
	"context"
	"log/slog"
	"sync"

	"PhaseForge/pkg/logger"
)

const defaultSubscriberBuffer = 64

// Log 在持久化后端之上提供实时扇出。发布是非阻塞的：
// 消费过慢的订阅者会丢失实时事件，凭序号重新订阅即可补齐。
type Log struct {
	backend Backend
	buffer  int
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewLog 基于给定后端创建事件日志。buffer 为每个订阅者的实时通道容量。
func NewLog(backend Backend, buffer int) *Log {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Log{
		backend: backend,
		buffer:  buffer,
		logger:  logger.Named("events"),
		subs:    make(map[int]chan Event),
	}
}

// Append 持久化事件并扇出给所有在线订阅者。
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, err := l.backend.Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	for id, ch := range l.subs {
		select {
		case ch <- stored:
		default:
			// 订阅者滞后时丢弃实时事件，依赖断点续读补齐。
			l.logger.Warn("订阅者滞后，丢弃实时事件",
				slog.Int("subscriber", id),
				slog.Uint64("seq", stored.Seq),
			)
		}
	}
	return stored.Seq, nil
}

// Subscribe 从 cursor 之后开始订阅：先回放历史事件，再切换到实时流。
// 返回的取消函数必须被调用以释放订阅。
func (l *Log) Subscribe(ctx context.Context, cursor uint64) (<-chan Event, func(), error) {
	l.mu.Lock()
	backlog, err := l.backend.ReadFrom(ctx, cursor, 0)
	if err != nil {
		l.mu.Unlock()
		return nil, nil, err
	}
	live := make(chan Event, l.buffer)
	id := l.nextID
	l.nextID++
	l.subs[id] = live
	l.mu.Unlock()

	out := make(chan Event, l.buffer)
	quit := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if ch, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
			l.mu.Unlock()
			close(quit)
		})
	}

	go func() {
		defer close(out)

		last := cursor
		for _, ev := range backlog {
			select {
			case out <- ev:
				last = ev.Seq
			case <-ctx.Done():
				return
			case <-quit:
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				// 回放与实时流交接处可能重叠，按序号去重。
				if ev.Seq <= last {
					continue
				}
				select {
				case out <- ev:
					last = ev.Seq
				case <-ctx.Done():
					return
				case <-quit:
					return
				}
			case <-ctx.Done():
				return
			case <-quit:
				return
			}
		}
	}()
	return out, cancel, nil
}

// ReadFrom 直接读取历史事件，不建立订阅。
func (l *Log) ReadFrom(ctx context.Context, cursor uint64, limit int) ([]Event, error) {
	return l.backend.ReadFrom(ctx, cursor, limit)
}

// LastSeq 返回当前最大的事件序号。
func (l *Log) LastSeq(ctx context.Context) (uint64, error) {
	return l.backend.LastSeq(ctx)
}

// Close 关闭全部订阅并释放后端。
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	l.mu.Unlock()
	return l.backend.Close()
}
