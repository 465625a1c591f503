package signer

import (
	"context"
	"sync"

	xerrors "ParallelSigner-Chain/internal/errors"
)

// MemoryNotifier 把终结事件写入内存通道，供本地运行和测试消费。
type MemoryNotifier struct {
	mu     sync.Mutex
	events chan FinalizedEvent
	closed bool
}

// NewMemoryNotifier 创建一个指定缓冲大小的内存通知器。
func NewMemoryNotifier(buffer int) *MemoryNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryNotifier{events: make(chan FinalizedEvent, buffer)}
}

// Publish 将事件写入通道。缓冲已满时阻塞直至消费或 ctx 取消。
func (n *MemoryNotifier) Publish(ctx context.Context, event FinalizedEvent) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return xerrors.New(xerrors.CodeNotifyFailure, "通知器已关闭")
	}
	n.mu.Unlock()

	select {
	case n.events <- event:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeNotifyFailure, ctx.Err(), "投递终结事件超时")
	}
}

// Events 返回事件通道。
func (n *MemoryNotifier) Events() <-chan FinalizedEvent {
	return n.events
}

// Close 关闭通知器并释放通道。
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	return nil
}

var _ Notifier = (*MemoryNotifier)(nil)
