// Package resolver drives the x402 flow: request, detect a 402 challenge,
// authorize, settle, and retry the request with proof of payment.
package resolver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

var tracer = otel.Tracer("agentpay/resolver")

// Status is the outcome of RequestWithPayment.
type Status string

const (
	StatusOK              Status = "ok"
	StatusPaymentRequired Status = "payment_required"
	StatusQuoteReady      Status = "quote_ready"
	StatusPaymentFailed   Status = "payment_failed"
)

// Response is what a resource call returns.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResourceCall performs the protected request. proof is nil on the first
// attempt and set on the paid retry.
type ResourceCall func(ctx context.Context, proof *payment.Proof) (*Response, error)

// Signer produces authorizations. It may block on an external wallet.
type Signer interface {
	Sign(ctx context.Context, req payment.Requirement) (*payment.Authorization, error)
	Address() string
}

// Facilitator settles signed authorizations.
type Facilitator interface {
	Settle(ctx context.Context, paymentID string, auth payment.Authorization, req payment.Requirement) (*payment.Settlement, error)
}

// BalanceReader reports the payer's holdings of an asset in base units.
type BalanceReader interface {
	BalanceOf(ctx context.Context, network, asset, holder string) (*big.Int, error)
}

// Result is always structured so a calling agent can inspect it.
type Result struct {
	Status      Status               `json:"status"`
	StatusCode  int                  `json:"statusCode,omitempty"`
	Body        []byte               `json:"body,omitempty"`
	Requirement *payment.Requirement `json:"requirement,omitempty"`
	Settlement  *payment.Settlement  `json:"settlement,omitempty"`
	Error       *xerrors.Detail      `json:"error,omitempty"`
}

// Resolver is the PaymentChallengeResolver.
type Resolver struct {
	signer      Signer
	facilitator Facilitator
	balances    BalanceReader
	newID       func() string
	logger      *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithSigner enables auto-pay.
func WithSigner(s Signer) Option {
	return func(r *Resolver) { r.signer = s }
}

// WithBalanceReader enables the pre-signature balance check.
func WithBalanceReader(b BalanceReader) Option {
	return func(r *Resolver) { r.balances = b }
}

// WithPaymentIDs overrides payment id generation.
func WithPaymentIDs(fn func() string) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// New builds a Resolver around a facilitator.
func New(facilitator Facilitator, opts ...Option) *Resolver {
	r := &Resolver{
		facilitator: facilitator,
		newID:       uuid.NewString,
		logger:      logger.Named("resolver"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RequestWithPayment performs call and, when challenged and autoPay is set,
// pays and retries once with proof. Failures of the payment leg come back as
// StatusPaymentFailed, never as a retry. The returned error is non-nil only
// when the resource itself could not be reached.
func (r *Resolver) RequestWithPayment(ctx context.Context, call ResourceCall, autoPay bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "resolver.request_with_payment")
	defer span.End()

	resp, err := call(ctx, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{Status: StatusOK, StatusCode: resp.StatusCode, Body: resp.Body}, nil
	}

	req, err := payment.DecodeChallenge(resp.Body)
	if err != nil {
		return failed(nil, err), nil
	}
	span.SetAttributes(
		attribute.String("payment.network", req.Network),
		attribute.String("payment.amount", req.MaxAmountRequired),
	)
	if !autoPay || r.signer == nil {
		return &Result{Status: StatusPaymentRequired, StatusCode: resp.StatusCode, Requirement: &req}, nil
	}
	if err := req.Validate(); err != nil {
		return failed(&req, err), nil
	}

	if err := r.checkBalance(ctx, req); err != nil {
		return failed(&req, err), nil
	}

	auth, err := r.signer.Sign(ctx, req)
	if err != nil {
		return failed(&req, err), nil
	}

	paymentID := r.newID()
	settlement, err := r.facilitator.Settle(ctx, paymentID, *auth, req)
	if err != nil {
		logger.Audit().Warn("payment settlement failed",
			slog.String("payment_id", paymentID),
			slog.String("resource", req.Resource),
			slog.String("error_code", string(xerrors.CodeOf(err))),
		)
		return failed(&req, err), nil
	}
	logger.Audit().Info("payment settled",
		slog.String("payment_id", paymentID),
		slog.String("resource", req.Resource),
		slog.String("payer", auth.From),
		slog.String("amount", req.MaxAmountRequired),
		slog.String("tx_hash", settlement.TxHash),
	)

	header, err := payment.EncodeHeader(req.Network, *auth)
	if err != nil {
		return failed(&req, err), nil
	}
	paid, err := call(ctx, &payment.Proof{PaymentID: paymentID, Header: header, Settlement: settlement})
	if err != nil {
		return &Result{
			Status:      StatusPaymentFailed,
			Requirement: &req,
			Settlement:  settlement,
			Error:       detail(xerrors.Wrap(xerrors.CodeFacilitatorUnavailable, err, "resource unreachable after settlement")),
		}, nil
	}
	return &Result{
		Status:      StatusQuoteReady,
		StatusCode:  paid.StatusCode,
		Body:        paid.Body,
		Requirement: &req,
		Settlement:  settlement,
	}, nil
}

func (r *Resolver) checkBalance(ctx context.Context, req payment.Requirement) error {
	if r.balances == nil {
		return nil
	}
	required, err := payment.ParseBaseUnits(req.MaxAmountRequired)
	if err != nil {
		return err
	}
	balance, err := r.balances.BalanceOf(ctx, req.Network, req.Asset, r.signer.Address())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "read payer balance")
	}
	if balance.Cmp(required) < 0 {
		return xerrors.New(xerrors.CodeInsufficientBalance, "balance "+balance.String()+" is below required "+required.String(),
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("required", required.String()))
	}
	return nil
}

func failed(req *payment.Requirement, err error) *Result {
	return &Result{Status: StatusPaymentFailed, Requirement: req, Error: detail(err)}
}

func detail(err error) *xerrors.Detail {
	d := xerrors.DetailOf(err)
	return &d
}

// HTTPResourceCall wraps a plain HTTP request as a ResourceCall. The paid
// retry carries X-PAYMENT and X-PAYMENT-ID.
func HTTPResourceCall(client *http.Client, method, url string, body []byte, timeout time.Duration) ResourceCall {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context, proof *payment.Proof) (*Response, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build resource request")
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if proof != nil {
			req.Header.Set(payment.HeaderPayment, proof.Header)
			req.Header.Set(payment.HeaderPaymentID, proof.PaymentID)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "resource request failed")
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "read resource response")
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: raw}, nil
	}
}
