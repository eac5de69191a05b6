package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	xerrors "AgentPay-Chain/internal/errors"
)

var errorCounter metric.Int64Counter

func init() {
	// The global meter delegates to whatever provider Init installs later.
	errorCounter, _ = otel.Meter("agentpay/errors").Int64Counter(
		"agentpay.errors.total",
		metric.WithDescription("Coded errors returned to callers, by component and code"),
	)
}

// RecordError counts err under its code. Nil errors are ignored.
func RecordError(ctx context.Context, component string, err error) {
	if err == nil || errorCounter == nil {
		return
	}
	errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("code", string(xerrors.CodeOf(err))),
		attribute.Bool("retryable", xerrors.RetryableError(err)),
	))
}
