package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// MaxDurationHours bounds the lifetime a session can be created with.
const MaxDurationHours = 24 * 365

// Config describes the asset sessions are denominated in and where deposits
// must be paid.
type Config struct {
	Network       string `koanf:"network" json:"network"`
	Asset         string `koanf:"asset" json:"asset"`
	EscrowAddress string `koanf:"escrow_address" json:"escrow_address"`
	Decimals      int    `koanf:"decimals" json:"decimals"`
	TokenName     string `koanf:"token_name" json:"token_name"`
	TokenVersion  string `koanf:"token_version" json:"token_version"`

	// ContractAddress is the on-chain escrow contract served by
	// ContractReader. Empty disables the chain lookup route.
	ContractAddress string `koanf:"contract_address" json:"contract_address"`
}

// Manager owns the session state machine.
type Manager struct {
	cfg        Config
	store      Store
	transferer Transferer
	verifier   DepositVerifier
	publisher  events.Publisher
	now        func() time.Time
	locks      sessionLocks
	log        *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithTransferer sets the payout path. The default is LedgerTransferer.
func WithTransferer(t Transferer) Option {
	return func(m *Manager) {
		if t != nil {
			m.transferer = t
		}
	}
}

// WithDepositVerifier checks activation transactions on chain.
func WithDepositVerifier(v DepositVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithPublisher emits every session event on the bus.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager over store.
func NewManager(cfg Config, store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "escrow store is required")
	}
	if cfg.EscrowAddress != "" && !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "escrow address is not an address")
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 6
	}
	m := &Manager{
		cfg:        cfg,
		store:      store,
		transferer: LedgerTransferer{},
		now:        time.Now,
		log:        logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// sessionLocks serializes work per session id. An entry exists only while
// some caller holds or waits for it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns the matching unlock.
func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	entry, ok := l.locks[id]
	if !ok {
		entry = &sessionLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// ParseAmount converts a decimal amount ("4.00") into base units.
func (m *Manager) ParseAmount(s string) (int64, error) {
	v, err := payment.ParseUnits(s, m.cfg.Decimals)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() || v.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive", xerrors.WithMetadata("amount", s))
	}
	return v.Int64(), nil
}

// FormatAmount renders base units as a decimal string.
func (m *Manager) FormatAmount(v int64) string {
	return formatAmount(v, m.cfg.Decimals)
}

func (m *Manager) newEvent(sessionID string, typ EventType, actor string, amount int64, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Type:         typ,
		ActorAddress: actor,
		Amount:       amount,
		Timestamp:    at,
	}
}

func (m *Manager) emit(ctx context.Context, code xerrors.Code, evs ...Event) {
	for _, ev := range evs {
		msg, err := events.NewMessage(events.TopicSession, string(ev.Type), ev.SessionID, m.eventView(ev))
		if err != nil {
			continue
		}
		if code != "" {
			msg = msg.WithCode(code)
		}
		if m.publisher != nil {
			if err := m.publisher.Publish(ctx, msg); err != nil {
				m.log.Warn("publish session event", slog.String("session_id", ev.SessionID), slog.Any("error", err))
			}
		}
	}
}

// Create registers an unfunded session and returns the payment requirement
// the owner must satisfy to fund it.
func (m *Manager) Create(ctx context.Context, owner, maxSpend string, durationHours int) (*View, payment.Requirement, error) {
	if !common.IsHexAddress(owner) {
		return nil, payment.Requirement{}, xerrors.New(xerrors.CodeInvalidArgument, "ownerAddress is not an address")
	}
	budget, err := m.ParseAmount(maxSpend)
	if err != nil {
		return nil, payment.Requirement{}, err
	}
	if durationHours <= 0 || durationHours > MaxDurationHours {
		return nil, payment.Requirement{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("durationHours must be between 1 and %d", MaxDurationHours))
	}

	now := m.clock()
	owner = normalizeAddress(owner)
	sess := &Session{
		ID:               uuid.NewString(),
		OwnerAddress:     owner,
		MaxSpend:         budget,
		Status:           StatusCreated,
		ExpiresAt:        now.Add(time.Duration(durationHours) * time.Hour),
		AuthorizedAgents: []string{owner},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	auth := m.newEvent(sess.ID, EventAuthorize, owner, 0, now)
	if err := m.store.Create(ctx, sess, []Event{auth}); err != nil {
		return nil, payment.Requirement{}, err
	}
	m.emit(ctx, "", auth)
	logger.Audit().Info("escrow session created",
		slog.String("session_id", sess.ID),
		slog.String("owner", owner),
		slog.String("max_spend", m.FormatAmount(budget)))

	view := m.view(sess, now)
	return &view, m.fundingRequirement(sess), nil
}

func (m *Manager) fundingRequirement(s *Session) payment.Requirement {
	req := payment.Requirement{
		Scheme:            payment.SchemeExact,
		Network:           m.cfg.Network,
		MaxAmountRequired: big.NewInt(s.MaxSpend).String(),
		Asset:             m.cfg.Asset,
		PayTo:             m.cfg.EscrowAddress,
		Resource:          "/api/sessions/" + s.ID + "/activate",
		Description:       "escrow session deposit",
		MaxTimeoutSeconds: payment.DefaultTimeoutSeconds,
	}
	if m.cfg.TokenName != "" {
		req.Extra = &payment.Extra{Name: m.cfg.TokenName, Version: m.cfg.TokenVersion}
	}
	return req
}

// Activate funds a created session. amount must equal maxSpend. Repeating
// an activation with the same transaction hash is a no-op.
func (m *Manager) Activate(ctx context.Context, id, txHash, amount string) (*View, error) {
	value, err := m.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != common.HashLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "txHash must be a 32-byte hex string")
	}
	txHash = strings.ToLower(txHash)

	defer m.locks.lock(id)()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	switch {
	case sess.Status == StatusActive && sess.ActivationTx == txHash:
		view := m.view(sess, now)
		return &view, nil
	case sess.Status != StatusCreated:
		return nil, xerrors.New(xerrors.CodeConflict, "session is already "+string(sess.Status))
	case sess.Expired(now):
		return nil, xerrors.New(xerrors.CodeSessionExpired, "", xerrors.WithMetadata("session_id", id))
	case value != sess.MaxSpend:
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("deposit %s must equal maxSpend %s", m.FormatAmount(value), m.FormatAmount(sess.MaxSpend)))
	}
	if m.verifier != nil {
		if err := m.verifier.VerifyDeposit(ctx, txHash, sess.OwnerAddress, big.NewInt(value)); err != nil {
			return nil, err
		}
	}

	ev := m.newEvent(id, EventDeposit, sess.OwnerAddress, value, now)
	ev.TxHash = txHash
	if err := m.store.Activate(ctx, id, value, txHash, ev); err != nil {
		return nil, err
	}
	sess.Status = StatusActive
	sess.Deposited = value
	sess.ActivationTx = txHash
	sess.UpdatedAt = now
	m.emit(ctx, "", ev)
	logger.Audit().Info("escrow session activated",
		slog.String("session_id", id),
		slog.String("tx_hash", txHash),
		slog.String("deposited", m.FormatAmount(value)))

	view := m.view(sess, now)
	return &view, nil
}

// AuthorizeAgent allows agent to draw on the session.
func (m *Manager) AuthorizeAgent(ctx context.Context, id, agent string) (*View, error) {
	return m.setAgent(ctx, id, agent, true)
}

// RevokeAgent removes agent from the session.
func (m *Manager) RevokeAgent(ctx context.Context, id, agent string) (*View, error) {
	return m.setAgent(ctx, id, agent, false)
}

func (m *Manager) setAgent(ctx context.Context, id, agent string, authorized bool) (*View, error) {
	if !common.IsHexAddress(agent) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent is not an address")
	}
	agent = normalizeAddress(agent)

	defer m.locks.lock(id)()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusClosed {
		return nil, xerrors.New(xerrors.CodeConflict, "session is closed")
	}
	now := m.clock()
	typ := EventAuthorize
	if !authorized {
		typ = EventRevoke
	}
	ev := m.newEvent(id, typ, agent, 0, now)
	if err := m.store.SetAgent(ctx, id, agent, authorized, ev); err != nil {
		return nil, err
	}
	m.emit(ctx, "", ev)

	sess, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := m.view(sess, now)
	return &view, nil
}

// CanExecute is a pure read of whether agent could release amount now.
// A missing session is reported as not allowed, not as an error.
func (m *Manager) CanExecute(ctx context.Context, id, agent, amount string) (Check, error) {
	value, err := m.ParseAmount(amount)
	if err != nil {
		return Check{}, err
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
			return Check{Allowed: false, Reason: ReasonNotFound, Remaining: m.FormatAmount(0)}, nil
		}
		return Check{}, err
	}
	reason := m.denyReason(sess, agent, value, m.clock())
	return Check{Allowed: reason == "", Reason: reason, Remaining: m.FormatAmount(sess.Remaining())}, nil
}

func (m *Manager) denyReason(s *Session, agent string, amount int64, now time.Time) string {
	switch {
	case s.EffectiveStatus(now) == StatusExpired:
		return ReasonExpired
	case s.Status != StatusActive:
		return ReasonInactive
	case !s.HasAgent(agent):
		return ReasonUnauthorized
	case s.Remaining() < amount:
		return ReasonInsufficient
	}
	return ""
}

// Release draws amount for agent. The eligibility check and the budget
// reservation are one atomic step; a failed payout reverses the
// reservation. A repeated executionID with the same agent and amount
// returns the earlier result; with different parameters it is a conflict.
func (m *Manager) Release(ctx context.Context, id, agent, amount, executionID string) (*ReleaseResult, error) {
	ctx, span := otel.Tracer("agentpay/escrow").Start(ctx, "escrow.Release")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("execution.id", executionID))

	res, err := m.release(ctx, id, agent, amount, executionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
	}
	return res, err
}

func (m *Manager) release(ctx context.Context, id, agent, amount, executionID string) (*ReleaseResult, error) {
	value, err := m.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(agent) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent is not an address")
	}
	agent = normalizeAddress(agent)
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		executionID = uuid.NewString()
	}

	defer m.locks.lock(id)()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prior, err := m.store.FindRelease(ctx, id, executionID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return m.duplicateRelease(sess, prior, agent, value)
	}

	now := m.clock()
	switch reason := m.denyReason(sess, agent, value, now); reason {
	case "":
	case ReasonExpired:
		return nil, xerrors.New(xerrors.CodeSessionExpired, "", xerrors.WithMetadata("session_id", id))
	default:
		return nil, xerrors.New(xerrors.CodeAuthorizationDenied, "release denied: "+reason,
			xerrors.WithMetadata("reason", reason))
	}

	ev := m.newEvent(id, EventRelease, agent, value, now)
	ev.ExecutionID = executionID
	if err := m.store.ReserveRelease(ctx, id, value, now, ev); err != nil {
		if err != errDuplicateExecution {
			return nil, err
		}
		// Another instance claimed the executionID after our lookup.
		if sess, err = m.store.Get(ctx, id); err != nil {
			return nil, err
		}
		if prior, err = m.store.FindRelease(ctx, id, executionID); err != nil {
			return nil, err
		}
		if prior == nil {
			return nil, errDuplicateExecution
		}
		return m.duplicateRelease(sess, prior, agent, value)
	}

	txHash, err := m.transferer.Transfer(ctx, agent, big.NewInt(value))
	if err != nil {
		if revErr := m.store.ReverseRelease(context.WithoutCancel(ctx), id, ev.ID, value); revErr != nil {
			m.log.Error("reverse failed release",
				slog.String("session_id", id), slog.String("event_id", ev.ID), slog.Any("error", revErr))
		}
		ev.Reversed = true
		m.emit(ctx, xerrors.CodeChainFailure, ev)
		logger.Audit().Warn("escrow release reversed",
			slog.String("session_id", id),
			slog.String("execution_id", executionID),
			slog.String("agent", agent),
			slog.String("amount", m.FormatAmount(value)),
			slog.Any("error", err))
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "release transfer failed")
	}
	if txHash != "" {
		ev.TxHash = txHash
		if err := m.store.ConfirmTx(ctx, id, []string{ev.ID}, txHash, false); err != nil {
			m.log.Error("record release tx hash", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	m.emit(ctx, "", ev)

	released := sess.Released + value
	remaining := sess.Remaining() - value
	logger.Audit().Info("escrow release",
		slog.String("session_id", id),
		slog.String("execution_id", executionID),
		slog.String("agent", agent),
		slog.String("amount", m.FormatAmount(value)),
		slog.String("tx_hash", txHash))

	return &ReleaseResult{
		SessionID:   id,
		ExecutionID: executionID,
		Agent:       agent,
		Amount:      m.FormatAmount(value),
		TxHash:      txHash,
		Released:    m.FormatAmount(released),
		Remaining:   m.FormatAmount(remaining),
	}, nil
}

func (m *Manager) duplicateRelease(sess *Session, prior *Event, agent string, value int64) (*ReleaseResult, error) {
	if prior.ActorAddress != agent || prior.Amount != value {
		return nil, xerrors.New(xerrors.CodeConflict, "executionId already used with a different agent or amount",
			xerrors.WithMetadata("execution_id", prior.ExecutionID))
	}
	return &ReleaseResult{
		SessionID:   sess.ID,
		ExecutionID: prior.ExecutionID,
		Agent:       agent,
		Amount:      m.FormatAmount(value),
		TxHash:      prior.TxHash,
		Released:    m.FormatAmount(sess.Released),
		Remaining:   m.FormatAmount(sess.Remaining()),
		Duplicate:   true,
	}, nil
}

// Refund returns the remaining budget to the owner and closes the session.
// It fails when nothing remains or the session is already closed.
func (m *Manager) Refund(ctx context.Context, id string) (*RefundResult, error) {
	return m.finish(ctx, id, false)
}

// Close refunds whatever remains and deactivates the session. Closing a
// closed session returns the recorded result.
func (m *Manager) Close(ctx context.Context, id string) (*RefundResult, error) {
	return m.finish(ctx, id, true)
}

func (m *Manager) finish(ctx context.Context, id string, closing bool) (*RefundResult, error) {
	defer m.locks.lock(id)()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusClosed {
		if !closing {
			return nil, xerrors.New(xerrors.CodeConflict, "session is already closed")
		}
		return m.refundResult(id, sess.CloseResult), nil
	}

	refund := sess.Remaining()
	if !closing && refund <= 0 {
		return nil, xerrors.New(xerrors.CodeConflict, "nothing to refund")
	}

	now := m.clock()
	var evs []Event
	var payoutIDs []string
	if refund > 0 {
		ev := m.newEvent(id, EventRefund, sess.OwnerAddress, refund, now)
		evs = append(evs, ev)
		payoutIDs = append(payoutIDs, ev.ID)
	}
	if closing {
		ev := m.newEvent(id, EventClose, sess.OwnerAddress, refund, now)
		evs = append(evs, ev)
		payoutIDs = append(payoutIDs, ev.ID)
	}
	result := CloseResult{RefundAmount: refund, ClosedAt: now}
	from := sess.Status
	if err := m.store.ReserveClose(ctx, id, from, refund, result, evs); err != nil {
		return nil, err
	}

	if refund > 0 {
		txHash, err := m.transferer.Transfer(ctx, sess.OwnerAddress, big.NewInt(refund))
		if err != nil {
			if revErr := m.store.ReverseClose(context.WithoutCancel(ctx), id, from, refund, payoutIDs); revErr != nil {
				m.log.Error("reverse failed refund", slog.String("session_id", id), slog.Any("error", revErr))
			}
			m.emit(ctx, xerrors.CodeChainFailure, evs...)
			logger.Audit().Warn("escrow refund reversed",
				slog.String("session_id", id),
				slog.String("amount", m.FormatAmount(refund)),
				slog.Any("error", err))
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "refund transfer failed")
		}
		if txHash != "" {
			result.TxHash = txHash
			for i := range evs {
				evs[i].TxHash = txHash
			}
			if err := m.store.ConfirmTx(ctx, id, payoutIDs, txHash, true); err != nil {
				m.log.Error("record refund tx hash", slog.String("session_id", id), slog.Any("error", err))
			}
		}
	}
	m.emit(ctx, "", evs...)
	logger.Audit().Info("escrow session closed",
		slog.String("session_id", id),
		slog.Bool("explicit_close", closing),
		slog.String("refund", m.FormatAmount(refund)),
		slog.String("tx_hash", result.TxHash))
	return m.refundResult(id, &result), nil
}

func (m *Manager) refundResult(id string, r *CloseResult) *RefundResult {
	if r == nil {
		r = &CloseResult{}
	}
	return &RefundResult{
		SessionID:    id,
		RefundAmount: m.FormatAmount(r.RefundAmount),
		TxHash:       r.TxHash,
		ClosedAt:     r.ClosedAt,
	}
}

// Status returns the session view. found is false for unknown ids.
func (m *Manager) Status(ctx context.Context, id string) (View, bool, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
			return View{}, false, nil
		}
		return View{}, false, err
	}
	return m.view(sess, m.clock()), true, nil
}

// Events returns the audit log of a session in append order.
func (m *Manager) Events(ctx context.Context, id string) ([]EventView, error) {
	evs, err := m.store.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, m.eventView(ev))
	}
	return out, nil
}

func (m *Manager) eventView(ev Event) EventView {
	return EventView{Event: ev, Amount: m.FormatAmount(ev.Amount)}
}

func (m *Manager) view(s *Session, now time.Time) View {
	agents := s.AuthorizedAgents
	if agents == nil {
		agents = []string{}
	}
	return View{
		SessionID:        s.ID,
		OwnerAddress:     s.OwnerAddress,
		MaxSpend:         m.FormatAmount(s.MaxSpend),
		Deposited:        m.FormatAmount(s.Deposited),
		Released:         m.FormatAmount(s.Released),
		Refunded:         m.FormatAmount(s.Refunded),
		Remaining:        m.FormatAmount(s.Remaining()),
		Status:           s.EffectiveStatus(now),
		IsActive:         s.IsActive(now),
		ExpiresAt:        s.ExpiresAt,
		AuthorizedAgents: agents,
		ActivationTx:     s.ActivationTx,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
