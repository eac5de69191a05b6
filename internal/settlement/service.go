package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/payment/eip3009"
	"AgentPay-Chain/internal/payment/facilitator"
	"AgentPay-Chain/pkg/logger"
)

var tracer = otel.Tracer("agentpay/settlement")

// Event types published on events.TopicPayment.
const (
	EventSettled = "payment.settled"
	EventFailed  = "payment.failed"
)

// Submitter puts a verified authorization on chain and returns the tx hash.
type Submitter interface {
	Submit(ctx context.Context, auth payment.Authorization, req payment.Requirement) (string, error)
}

// LedgerSubmitter records settlements without touching a chain. The tx hash
// is derived from the authorization digest so it is stable per authorization.
type LedgerSubmitter struct {
	ChainIDs map[string]int64
}

func (l LedgerSubmitter) Submit(_ context.Context, auth payment.Authorization, req payment.Requirement) (string, error) {
	digest, err := eip3009.AuthorizationDigest(auth, req, l.ChainIDs)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash([]byte("ledger"), digest.Bytes()).Hex(), nil
}

// Config controls verification.
type Config struct {
	// Networks restricts accepted networks; empty accepts any resolvable one.
	Networks []string         `koanf:"networks" json:"networks"`
	ChainIDs map[string]int64 `koanf:"chain_ids" json:"chain_ids"`
}

// Service settles payments. It is safe for concurrent use.
type Service struct {
	cfg       Config
	store     Store
	submitter Submitter
	publisher events.Publisher
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher publishes settlement outcomes.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Service) { s.publisher = pub }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a store and submitter.
func NewService(cfg Config, store Store, submitter Submitter, opts ...Option) (*Service, error) {
	if store == nil || submitter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "settlement store and submitter are required")
	}
	s := &Service{cfg: cfg, store: store, submitter: submitter, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Settle verifies and submits one payment. Replaying the same paymentId with
// the same authorization returns the recorded settlement without submitting
// again; a failed attempt may be replayed and is submitted again.
func (s *Service) Settle(ctx context.Context, req facilitator.SettleRequest) (*payment.Settlement, error) {
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "paymentId is required")
	}
	requirement := req.PaymentRequirements
	if err := requirement.Validate(); err != nil {
		return nil, err
	}
	if !s.networkAllowed(requirement.Network) {
		return nil, xerrors.New(xerrors.CodeSettlementRejected, "network "+requirement.Network+" is not accepted")
	}
	payload, auth, err := payment.DecodeHeader(req.PaymentHeader)
	if err != nil {
		return nil, err
	}
	if payload.Network != "" && !strings.EqualFold(payload.Network, requirement.Network) {
		return nil, xerrors.New(xerrors.CodeSettlementRejected, "payment header network does not match requirement")
	}

	ctx, span := tracer.Start(ctx, "settlement.settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.String("payment.network", requirement.Network),
		attribute.String("payment.payer", auth.From),
	)

	settlement, err := s.settle(ctx, paymentID, auth, requirement)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return settlement, err
}

func (s *Service) settle(ctx context.Context, paymentID string, auth payment.Authorization, req payment.Requirement) (*payment.Settlement, error) {
	now := s.now()
	digest, err := eip3009.AuthorizationDigest(auth, req, s.cfg.ChainIDs)
	if err != nil {
		return nil, err
	}
	// A settled record answers its replay even after the authorization window closed.
	prior, err := s.store.Get(ctx, paymentID)
	switch {
	case err == nil:
		if prior.Status == payment.SettlementSettled && prior.Digest == digest.Hex() {
			logger.L().Info("replayed settled payment", slog.String("payment_id", paymentID))
			return prior.Settlement(), nil
		}
	case !stdErrors.Is(err, ErrNotFound):
		return nil, err
	}
	if err := checkWindow(auth, now); err != nil {
		return nil, err
	}
	if err := eip3009.Verify(auth, req, s.cfg.ChainIDs); err != nil {
		return nil, err
	}

	rec := &Record{
		PaymentID: paymentID,
		Payer:     strings.ToLower(common.HexToAddress(auth.From).Hex()),
		Nonce:     strings.ToLower(auth.Nonce),
		Digest:    digest.Hex(),
		Network:   req.Network,
		Amount:    auth.Value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	existing, err := s.store.Reserve(ctx, rec)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Digest != rec.Digest {
			return nil, xerrors.New(xerrors.CodeConflict, "paymentId was already used with a different authorization",
				xerrors.WithMetadata("payment_id", paymentID))
		}
		switch existing.Status {
		case payment.SettlementSettled:
			logger.L().Info("replayed settled payment", slog.String("payment_id", paymentID))
			return existing.Settlement(), nil
		case payment.SettlementPending:
			return nil, xerrors.New(xerrors.CodeConflict, "settlement already in progress",
				xerrors.WithRetryable(true), xerrors.WithMetadata("payment_id", paymentID))
		case payment.SettlementFailed:
			if err := s.store.Retry(ctx, paymentID, now); err != nil {
				if stdErrors.Is(err, ErrStateChanged) {
					return nil, xerrors.New(xerrors.CodeConflict, "settlement already in progress", xerrors.WithRetryable(true))
				}
				return nil, err
			}
		}
	}

	txHash, submitErr := s.submitter.Submit(ctx, auth, req)
	if submitErr != nil {
		failed, err := s.store.Fail(context.WithoutCancel(ctx), paymentID, submitErr.Error(), s.now())
		if err != nil {
			logger.L().Error("record failed settlement", slog.String("payment_id", paymentID), slog.Any("error", err))
		}
		s.publish(ctx, EventFailed, paymentID, failed, xerrors.CodeOf(submitErr))
		logger.Audit().Warn("payment settlement failed",
			slog.String("payment_id", paymentID),
			slog.String("payer", rec.Payer),
			slog.String("amount", rec.Amount),
			slog.String("error_code", string(xerrors.CodeOf(submitErr))),
			slog.Any("error", submitErr),
		)
		if _, ok := xerrors.From(submitErr); ok {
			return nil, submitErr
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, submitErr, "submit transferWithAuthorization")
	}

	settled, err := s.store.Complete(context.WithoutCancel(ctx), paymentID, txHash, s.now())
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("payment settled",
		slog.String("payment_id", paymentID),
		slog.String("payer", rec.Payer),
		slog.String("pay_to", req.PayTo),
		slog.String("amount", rec.Amount),
		slog.String("network", req.Network),
		slog.String("tx_hash", txHash),
	)
	s.publish(ctx, EventSettled, paymentID, settled, "")
	return settled.Settlement(), nil
}

// Get returns the recorded settlement for paymentID.
func (s *Service) Get(ctx context.Context, paymentID string) (*payment.Settlement, error) {
	rec, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return rec.Settlement(), nil
}

func (s *Service) networkAllowed(network string) bool {
	if len(s.cfg.Networks) == 0 {
		_, err := eip3009.ChainID(network, s.cfg.ChainIDs)
		return err == nil
	}
	for _, n := range s.cfg.Networks {
		if strings.EqualFold(n, network) {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, eventType, paymentID string, rec *Record, code xerrors.Code) {
	if s.publisher == nil || rec == nil {
		return
	}
	msg, err := events.NewMessage(events.TopicPayment, eventType, paymentID, rec.Settlement())
	if err != nil {
		return
	}
	if code != "" {
		msg = msg.WithCode(code)
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		logger.L().Warn("publish payment event", slog.String("payment_id", paymentID), slog.Any("error", err))
	}
}

// checkWindow enforces validAfter <= now < validBefore.
func checkWindow(auth payment.Authorization, now time.Time) error {
	after, errA := strconv.ParseInt(auth.ValidAfter, 10, 64)
	before, errB := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if errA != nil || errB != nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization window is not numeric")
	}
	if value, ok := new(big.Int).SetString(auth.Value, 10); !ok || value.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization value must be a positive integer")
	}
	ts := now.Unix()
	if ts < after {
		return xerrors.New(xerrors.CodeSettlementRejected, "authorization is not yet valid")
	}
	if ts >= before {
		return xerrors.New(xerrors.CodeSettlementRejected, "authorization expired")
	}
	return nil
}
