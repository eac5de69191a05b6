package events

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 事件总线的连接参数。
type RabbitMQConfig struct {
	URL        string `koanf:"url" json:"url"`
	Queue      string `koanf:"queue" json:"queue"`
	Prefetch   int    `koanf:"prefetch" json:"prefetch"`
	Durable    bool   `koanf:"durable" json:"durable"`
	AutoDelete bool   `koanf:"auto_delete" json:"auto_delete"`
}

// RabbitMQBus 使用 RabbitMQ 队列承载事件。
type RabbitMQBus struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewRabbitMQBus 创建 RabbitMQ 事件总线。
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpay.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQBus{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 以持久化 JSON 消息投递事件。
func (b *RabbitMQBus) Publish(ctx context.Context, msg Message) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	pub, err := publishing(msg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.PublishWithContext(ctx, "", b.queue, false, false, pub); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

func publishing(msg Message) (amqp.Publishing, error) {
	raw, err := encode(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		Body:         raw,
	}, nil
}

// Consume 使用手动确认模式消费事件，处理失败的消息重新入队。
func (b *RabbitMQBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 总线未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					deliver(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// deliver 处理单条投递：无法解析的消息直接确认丢弃，首次处理失败重新入队，
// 重投后仍失败则丢弃。
func deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, err := decode(d.Body)
	if err != nil {
		logger.L().Warn("丢弃无法解析的事件", slog.Any("error", err))
		_ = d.Ack(false)
		return
	}
	if err := handler(ctx, msg); err != nil {
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
