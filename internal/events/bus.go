package events

import (
	"context"
	"log/slog"

	"AgentPay-Chain/pkg/logger"
)

// Handler 处理一条事件。
type Handler func(ctx context.Context, msg Message) error

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Producer 是可关闭的 Publisher。
type Producer interface {
	Publisher
	Close() error
}

// Consumer 负责消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备生产者与消费者能力。
type Bus interface {
	Producer
	Consumer
}

// Emit 构造并投递事件，失败只记录日志，不影响业务主流程。
func Emit(ctx context.Context, pub Publisher, topic Topic, eventType, subject string, payload any) {
	if pub == nil {
		return
	}
	msg, err := NewMessage(topic, eventType, subject, payload)
	if err == nil {
		err = pub.Publish(ctx, msg)
	}
	if err != nil {
		logger.L().Warn("事件投递失败",
			slog.String("topic", string(topic)),
			slog.String("type", eventType),
			slog.String("subject", subject),
			slog.Any("error", err))
	}
}
