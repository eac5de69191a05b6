package events

import (
	"context"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryBus 使用 channel 模拟消息队列，适用于单实例部署与测试。
type MemoryBus struct {
	ch     chan Message
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{ch: make(chan Message, size)}
}

// Publish 将事件投递到总线。
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- msg:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
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
				case msg, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}
