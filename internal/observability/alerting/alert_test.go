package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDispatchesAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	bad := &recordingNotifier{channel: ChannelWebhook, err: errors.New("boom")}
	d := NewFanout(ok, bad, nil)

	event := NewEvent(xerrors.CodeChainFailure, "session-1", "release", errors.New("rpc down"))
	err := d.Notify(context.Background(), event)
	if err == nil {
		t.Fatalf("期望返回聚合错误")
	}
	if len(ok.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("每个渠道都应收到事件")
	}
	if ok.events[0].Severity != xerrors.SeverityCritical || ok.events[0].Metadata["cause"] != "rpc down" {
		t.Fatalf("事件属性不正确: %+v", ok.events[0])
	}
}

func TestWebhookNotifierSlackPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("解析请求失败: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Slack: true, Client: srv.Client()}
	if n.Channel() != ChannelSlack {
		t.Fatalf("渠道错误: %s", n.Channel())
	}
	if err := n.Notify(context.Background(), NewEvent(xerrors.CodeSettlementRejected, "pay-1", "settle", nil)); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if got["text"] == "" {
		t.Fatalf("Slack 载荷缺少 text 字段")
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), NewEvent(xerrors.CodeUnknown, "x", "", nil)); err == nil {
		t.Fatalf("期望 502 返回错误")
	}
}
