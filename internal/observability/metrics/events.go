package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/payment"
)

var (
	domainEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Name:      "domain_events_total",
		Help:      "Domain events observed on the bus, by topic, type and error code.",
	}, []string{"topic", "type", "code"})

	settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpay",
		Name:      "settlements_total",
		Help:      "Payment settlements by network and final status.",
	}, []string{"network", "status"})
)

// Subscribe registers counters for every domain topic on d.
func Subscribe(d *events.Dispatcher) {
	for _, topic := range []events.Topic{events.TopicSession, events.TopicPayment, events.TopicTask, events.TopicHandoff} {
		d.Subscribe(topic, ObserveEvent)
	}
}

// ObserveEvent counts msg. It never fails, so the bus does not redeliver on
// its account.
func ObserveEvent(_ context.Context, msg events.Message) error {
	domainEvents.WithLabelValues(string(msg.Topic), msg.Type, string(msg.Code)).Inc()
	if msg.Topic == events.TopicPayment {
		var s payment.Settlement
		if err := msg.Decode(&s); err == nil {
			settlements.WithLabelValues(s.Network, string(s.Status)).Inc()
		}
	}
	return nil
}
