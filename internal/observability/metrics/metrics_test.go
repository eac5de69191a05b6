package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/payment"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	h := Middleware("sessions", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions/create", nil))

	out := scrape(t)
	for _, want := range []string{
		`agentpay_http_requests_total{code="503",handler="sessions",method="POST"} 1`,
		`agentpay_http_request_errors_total{handler="sessions",method="POST"} 1`,
		`agentpay_http_request_duration_seconds_count{handler="sessions",method="POST"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, out)
		}
	}
}

func TestObserveEventCountsSettlements(t *testing.T) {
	msg, err := events.NewMessage(events.TopicPayment, "payment.settled", "pay-1",
		payment.Settlement{PaymentID: "pay-1", Network: "base-sepolia", Status: payment.SettlementSettled})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := ObserveEvent(context.Background(), msg); err != nil {
		t.Fatalf("observe: %v", err)
	}
	out := scrape(t)
	if !strings.Contains(out, `agentpay_settlements_total{network="base-sepolia",status="settled"} 1`) {
		t.Fatalf("settlement not counted:\n%s", out)
	}
	if !strings.Contains(out, `agentpay_domain_events_total{code="",topic="payment.settlement",type="payment.settled"} 1`) {
		t.Fatalf("event not counted:\n%s", out)
	}
}
