// Package facilitator submits signed authorizations to a remote settlement
// service over POST /api/pay.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/retry"
	"AgentPay-Chain/pkg/logger"
)

// DefaultTimeout bounds each settlement attempt when the caller's context
// has no deadline.
const DefaultTimeout = 10 * time.Second

const settlePath = "/api/pay"

var tracer = otel.Tracer("agentpay/facilitator")

// Config describes the remote settlement endpoint.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

// Client is a FacilitatorClient. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	policy  retry.Policy
	http    *http.Client
}

// SettleRequest is the wire body of POST /api/pay.
type SettleRequest struct {
	PaymentID           string              `json:"paymentId"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements payment.Requirement `json:"paymentRequirements"`
}

// NewClient validates cfg and fills defaults. The default policy retries a
// connection-level failure exactly once.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "facilitator base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Once(200 * time.Millisecond)
	}
	if policy.Retryable == nil {
		policy.Retryable = IsUnavailable
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, timeout: timeout, policy: policy, http: httpClient}, nil
}

// IsUnavailable reports connection-level failures, the only ones retried.
func IsUnavailable(err error) bool {
	return xerrors.IsCode(err, xerrors.CodeFacilitatorUnavailable)
}

// Settle submits auth for req under the caller-chosen paymentID. Resubmitting
// the same paymentID with the same authorization is idempotent on the
// facilitator side, which is what makes the single retry safe.
func (c *Client) Settle(ctx context.Context, paymentID string, auth payment.Authorization, req payment.Requirement) (*payment.Settlement, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "paymentId is required")
	}
	header, err := payment.EncodeHeader(req.Network, auth)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(SettleRequest{PaymentID: paymentID, PaymentHeader: header, PaymentRequirements: req})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode settle request")
	}

	ctx, span := tracer.Start(ctx, "facilitator.settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("payment.network", req.Network),
	)

	attempts := 0
	settlement, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*payment.Settlement, error) {
		attempts++
		return c.settleOnce(ctx, paymentID, body)
	})
	span.SetAttributes(attribute.Int("payment.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().Warn("facilitator settlement failed",
			slog.String("payment_id", paymentID),
			slog.Int("attempts", attempts),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return nil, err
	}
	settlement.Payer = auth.From
	return settlement, nil
}

func (c *Client) settleOnce(ctx context.Context, paymentID string, body []byte) (*payment.Settlement, error) {
	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+settlePath, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build settle request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(payment.HeaderPaymentID, paymentID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeFacilitatorUnavailable, err, "facilitator unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFacilitatorUnavailable, err, "read facilitator reply")
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
		return nil, xerrors.New(xerrors.CodeFacilitatorUnavailable, fmt.Sprintf("facilitator returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		reply, decodeErr := payment.DecodeSettleReply(raw)
		if decodeErr != nil {
			return nil, xerrors.New(xerrors.CodeFacilitatorUnavailable, fmt.Sprintf("facilitator returned %d", resp.StatusCode))
		}
		return nil, xerrors.New(xerrors.CodeSettlementRejected, reply.Reason())
	}

	reply, err := payment.DecodeSettleReply(raw)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, xerrors.New(xerrors.CodeSettlementRejected,
				fmt.Sprintf("facilitator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		return nil, err
	}
	if !reply.Success {
		return nil, xerrors.New(xerrors.CodeSettlementRejected, reply.Reason(),
			xerrors.WithMetadata("payment_id", paymentID))
	}
	if reply.TxHash == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFormat, "facilitator reported success without txHash")
	}
	return &payment.Settlement{
		PaymentID: paymentID,
		TxHash:    reply.TxHash,
		Status:    payment.SettlementSettled,
		Network:   reply.Network,
		SettledAt: time.Now().UTC(),
	}, nil
}
