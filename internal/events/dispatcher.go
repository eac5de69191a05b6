package events

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

// Dispatcher 从总线消费事件：写审计日志、转发给订阅者，并对携带告警级错误码的事件发出告警。
type Dispatcher struct {
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定调试日志输出。
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(a alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = a
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(consumer Consumer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		consumer:    consumer,
		workerCount: 1,
		handlers:    make(map[Topic][]Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Subscribe 为指定主题注册处理函数。
func (d *Dispatcher) Subscribe(topic Topic, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

// Start 启动消费循环，阻塞直到 ctx 结束。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.Handle)
}

// Handle 处理单条事件。订阅者返回的第一个错误会被返回，以便总线重新投递。
func (d *Dispatcher) Handle(ctx context.Context, msg Message) error {
	attrs := []any{
		slog.String("event_id", msg.ID),
		slog.String("topic", string(msg.Topic)),
		slog.String("type", msg.Type),
		slog.String("subject", msg.Subject),
	}
	if msg.Code != "" {
		attrs = append(attrs, slog.String("code", string(msg.Code)))
		logger.Audit().Warn("领域事件", attrs...)
	} else {
		logger.Audit().Info("领域事件", attrs...)
	}

	if msg.Code != "" && xerrors.AttributesOf(msg.Code).Alert {
		d.emitAlert(ctx, msg)
	}

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[msg.Topic]...)
	d.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			logger.L().Error("事件处理失败",
				slog.Any("error", err),
				slog.String("event_id", msg.ID),
				slog.String("topic", string(msg.Topic)))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if d.logger != nil {
		d.logger.Debug("事件已分发", slog.String("event_id", msg.ID), slog.Int("handlers", len(handlers)))
	}
	return firstErr
}

func (d *Dispatcher) emitAlert(ctx context.Context, msg Message) {
	if d.alerter == nil {
		return
	}
	event := alerting.NewEvent(msg.Code, msg.Subject, msg.Type, nil)
	event.Metadata["topic"] = string(msg.Topic)
	event.Metadata["event_id"] = msg.ID
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("subject", msg.Subject),
			slog.String("type", msg.Type))
	}
}
