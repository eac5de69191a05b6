package handoff

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/pkg/logger"
)

// 交接交易事件类型。
const (
	EventPrepared = "handoff.prepared"
	EventUpdated  = "handoff.updated"
	EventExpired  = "handoff.expired"
)

// Config 控制签名链接与过期清理周期。有效期固定为 SigningTTL。
type Config struct {
	// SigningBaseURL 为后端根地址，签名链接形如 {SigningBaseURL}/sign/{id}。
	SigningBaseURL string        `koanf:"signing_base_url" json:"signing_base_url"`
	SweepInterval  time.Duration `koanf:"sweep_interval" json:"sweep_interval"`
	// CallbackSecret 非空时，状态回调必须携带 CallbackSignatureHeader。
	CallbackSecret string        `koanf:"callback_secret" json:"-"`
}

// PrepareRequest 描述一笔待签名交易。
type PrepareRequest struct {
	ChainID     int64  `json:"chainId"`
	To          string `json:"to"`
	Data        string `json:"data,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// UpdateRequest 是钱包或索引器的状态回调。
type UpdateRequest struct {
	Status Status `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Service 管理待签名交易的生命周期。
type Service struct {
	store     Store
	cfg       Config
	publisher events.Publisher
	now       func() time.Time
}

// Option 定制 Service。
type Option func(*Service)

// WithPublisher 设置事件发布器。
func WithPublisher(pub events.Publisher) Option {
	return func(s *Service) { s.publisher = pub }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建交接服务。
func NewService(store Store, cfg Config, opts ...Option) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	cfg.SigningBaseURL = strings.TrimSuffix(strings.TrimRight(cfg.SigningBaseURL, "/"), "/sign")
	s := &Service{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SigningURL 返回指定交易的签名链接。
func (s *Service) SigningURL(id string) string {
	return s.cfg.SigningBaseURL + "/sign/" + id
}

// Prepare 记录交易意图，不做任何签名或广播。
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	if req.ChainID <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chainId 必须为正整数")
	}
	if !common.IsHexAddress(req.To) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "to 不是合法的地址")
	}
	data := strings.TrimSpace(req.Data)
	if data != "" {
		if _, err := hexutil.Decode(data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "data 必须是 0x 前缀的十六进制")
		}
	}
	value := strings.TrimSpace(req.Value)
	if value == "" {
		value = "0"
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "value 必须是非负的十进制整数")
	}

	now := s.now().UTC()
	tx := &PendingTransaction{
		ID:        uuid.NewString(),
		ChainID:   req.ChainID,
		To:        common.HexToAddress(req.To).Hex(),
		Data:      data,
		Value:     amount.String(),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(SigningTTL),
		UpdatedAt: now,
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		tx.Context = map[string]string{"description": desc}
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	logger.Audit().Info("待签名交易已创建",
		slog.String("handoff_id", tx.ID),
		slog.Int64("chain_id", tx.ChainID),
		slog.String("to", tx.To),
		slog.String("value", tx.Value),
		slog.Time("expires_at", tx.ExpiresAt),
	)
	events.Emit(ctx, s.publisher, events.TopicHandoff, EventPrepared, tx.ID, tx)
	return &Prepared{ID: tx.ID, SigningURL: s.SigningURL(tx.ID), ExpiresAt: tx.ExpiresAt}, nil
}

// Status 返回交易视图。不存在时 Found 为 false 且状态为 not_found。
// 已过期的 pending 交易会被持久化为 expired。
func (s *Service) Status(ctx context.Context, id string) (View, bool, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			return View{PendingTransaction: PendingTransaction{ID: id, Status: StatusNotFound}}, false, nil
		}
		return View{}, false, err
	}
	tx = s.expireIfDue(ctx, tx)
	return s.view(tx), true, nil
}

// Update 推进交易状态。过期的 pending 交易不再接受更新。
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (View, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	tx = s.expireIfDue(ctx, tx)
	if tx.Status == StatusExpired {
		return s.view(tx), xerrors.New(CodeHandoffExpired, "交易已过期，无法更新",
			xerrors.WithMetadata("handoff_id", id))
	}

	txHash := strings.TrimSpace(req.TxHash)
	if txHash != "" {
		raw, err := hexutil.Decode(txHash)
		if err != nil || len(raw) != common.HashLength {
			return View{}, xerrors.New(xerrors.CodeInvalidArgument, "txHash 必须是 32 字节十六进制")
		}
	}
	if (req.Status == StatusBroadcast || req.Status == StatusConfirmed) && txHash == "" && tx.TxHash == "" {
		return View{}, xerrors.New(xerrors.CodeInvalidArgument, "广播或确认状态需要 txHash")
	}
	if req.Status == StatusFailed && strings.TrimSpace(req.Error) == "" {
		req.Error = "wallet reported failure"
	}

	// 钱包重复回调同一状态时直接返回当前记录。
	if req.Status == tx.Status && (txHash == "" || strings.EqualFold(txHash, tx.TxHash)) {
		return s.view(tx), nil
	}
	if !CanTransition(tx.Status, req.Status) || req.Status == StatusExpired {
		return s.view(tx), xerrors.New(CodeHandoffTransition, "不允许的状态流转",
			xerrors.WithMetadata("from", string(tx.Status)),
			xerrors.WithMetadata("to", string(req.Status)),
		)
	}

	updated, err := s.store.Apply(ctx, id, Change{
		From:   tx.Status,
		To:     req.Status,
		TxHash: txHash,
		Error:  strings.TrimSpace(req.Error),
		At:     s.now().UTC(),
	})
	if err != nil {
		if stdErrors.Is(err, ErrStatusChanged) {
			return s.view(updated), xerrors.Wrap(CodeHandoffTransition, err, "交易状态已被并发修改")
		}
		return View{}, err
	}

	logger.Audit().Info("待签名交易状态更新",
		slog.String("handoff_id", id),
		slog.String("from", string(tx.Status)),
		slog.String("to", string(updated.Status)),
		slog.String("tx_hash", updated.TxHash),
	)
	events.Emit(ctx, s.publisher, events.TopicHandoff, EventUpdated, id, updated)
	return s.view(updated), nil
}

// Sweep 批量标记已过期的 pending 交易。
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.ExpireDue(ctx, s.now().UTC())
	if err != nil {
		return n, err
	}
	if n > 0 {
		logger.L().Info("已清理过期的待签名交易", slog.Int("count", n))
	}
	return n, nil
}

// Run 周期性执行 Sweep，直到 ctx 结束。
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.L().Warn("清理过期交易失败", slog.Any("error", err))
			}
		}
	}
}

func (s *Service) expireIfDue(ctx context.Context, tx *PendingTransaction) *PendingTransaction {
	now := s.now().UTC()
	if !tx.Expired(now) {
		return tx
	}
	updated, err := s.store.Apply(ctx, tx.ID, Change{From: StatusPending, To: StatusExpired, At: now})
	switch {
	case err == nil:
		events.Emit(ctx, s.publisher, events.TopicHandoff, EventExpired, tx.ID, updated)
		return updated
	case stdErrors.Is(err, ErrStatusChanged) && updated != nil:
		return updated
	default:
		logger.L().Warn("持久化过期状态失败", slog.String("handoff_id", tx.ID), slog.Any("error", err))
		expired := tx.clone()
		expired.Status = StatusExpired
		return expired
	}
}

func (s *Service) view(tx *PendingTransaction) View {
	if tx == nil {
		return View{}
	}
	v := View{PendingTransaction: *tx, Found: true}
	if tx.Status == StatusPending {
		v.SigningURL = s.SigningURL(tx.ID)
	}
	return v
}
