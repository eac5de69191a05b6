package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
	redisstore "AgentPay-Chain/internal/storage/redis"
	"AgentPay-Chain/pkg/logger"
)

// RedisConfig 描述 Redis 事件总线的连接参数。
type RedisConfig struct {
	redisstore.Config `koanf:",squash"`
	Key               string        `koanf:"key" json:"key"`
	BlockWait         time.Duration `koanf:"block_wait" json:"block_wait"`
}

// RedisBus 使用 Redis list 实现事件队列。
type RedisBus struct {
	client *redis.Client
	key    string
	wait   time.Duration
	owned  bool
}

// NewRedisBus 创建 Redis 事件总线。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	client, err := redisstore.Open(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	bus := NewRedisBusWithClient(client, cfg.Key, cfg.BlockWait)
	bus.owned = true
	return bus, nil
}

// NewRedisBusWithClient 复用已有的 Redis 客户端，Close 不会关闭该客户端。
func NewRedisBusWithClient(client *redis.Client, key string, wait time.Duration) *RedisBus {
	if key == "" {
		key = "agentpay:events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, key: key, wait: wait}
}

// Publish 将事件推入 Redis list。
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.key, raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取事件；处理失败的事件重新放回队尾。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := b.client.BRPop(ctx, b.wait, b.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 获取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				msg, err := decode([]byte(values[1]))
				if err != nil {
					logger.L().Warn("丢弃无法解析的事件", slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, msg); handlerErr != nil {
					_ = b.client.RPush(ctx, b.key, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭自身创建的 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil || !b.owned {
		return nil
	}
	return b.client.Close()
}
