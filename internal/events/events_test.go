package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/alerting"
)

type captureAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerter) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestMemoryBusDeliversToDispatcher(t *testing.T) {
	bus := NewMemoryBus(4)
	d := NewDispatcher(bus, WithWorkerCount(2))

	got := make(chan Message, 1)
	d.Subscribe(TopicSession, func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	Emit(ctx, bus, TopicSession, "RELEASE", "session-1", map[string]string{"amount": "4.00"})

	select {
	case msg := <-got:
		var payload map[string]string
		if err := msg.Decode(&payload); err != nil {
			t.Fatalf("解析载荷失败: %v", err)
		}
		if msg.Type != "RELEASE" || payload["amount"] != "4.00" {
			t.Fatalf("事件内容不正确: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("未收到事件")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Dispatcher 未退出")
	}
}

func TestDispatcherAlertsOnAlertingCodes(t *testing.T) {
	alerter := &captureAlerter{}
	d := NewDispatcher(nil, WithAlertDispatcher(alerter))

	msg, err := NewMessage(TopicPayment, "FAILED", "pay-1", nil)
	if err != nil {
		t.Fatalf("构造事件失败: %v", err)
	}
	if err := d.Handle(context.Background(), msg.WithCode(xerrors.CodeChainFailure)); err != nil {
		t.Fatalf("处理事件失败: %v", err)
	}
	if err := d.Handle(context.Background(), msg.WithCode(xerrors.CodeSettlementRejected)); err != nil {
		t.Fatalf("处理事件失败: %v", err)
	}
	if len(alerter.events) != 1 || alerter.events[0].Subject != "pay-1" {
		t.Fatalf("只有告警级错误码应触发告警: %+v", alerter.events)
	}
}

func TestDispatcherReturnsHandlerError(t *testing.T) {
	d := NewDispatcher(nil)
	d.Subscribe(TopicTask, func(context.Context, Message) error { return errors.New("down") })
	msg, _ := NewMessage(TopicTask, "settled", "task-1", nil)
	if err := d.Handle(context.Background(), msg); err == nil {
		t.Fatalf("订阅者失败时应返回错误以便重投")
	}
	if err := d.Start(context.Background()); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("缺少消费者时应返回初始化错误: %v", err)
	}
}

func TestMemoryBusRejectsAfterClose(t *testing.T) {
	bus := NewMemoryBus(1)
	bus.Close()
	msg, _ := NewMessage(TopicHandoff, "expired", "h-1", nil)
	if err := bus.Publish(context.Background(), msg); !xerrors.IsCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("关闭后投递应失败: %v", err)
	}
}
