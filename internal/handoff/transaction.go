package handoff

import (
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示待签名交易的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	// StatusNotFound 仅出现在查询视图中。
	StatusNotFound Status = "not_found"
)

// SigningTTL 是待签名交易的固定有效期，expiresAt = createdAt + SigningTTL。
const SigningTTL = 15 * time.Minute

// 交接交易相关错误码。
const (
	CodeHandoffNotFound   xerrors.Code = "HANDOFF_NOT_FOUND"
	CodeHandoffExpired    xerrors.Code = "HANDOFF_EXPIRED"
	CodeHandoffTransition xerrors.Code = "HANDOFF_INVALID_TRANSITION"
)

func init() {
	xerrors.Register(CodeHandoffNotFound, xerrors.Attributes{Message: "pending transaction not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeHandoffExpired, xerrors.Attributes{Message: "pending transaction expired", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeHandoffTransition, xerrors.Attributes{Message: "invalid status transition", Severity: xerrors.SeverityWarning})
}

var (
	// ErrNotFound 表示交易不存在。
	ErrNotFound = xerrors.New(CodeHandoffNotFound, "")
	// ErrStatusChanged 表示条件更新时状态已被其他调用修改。
	ErrStatusChanged = xerrors.New(xerrors.CodeConflict, "交易状态已变化")
)

// PendingTransaction 是一笔等待外部签名的交易。
type PendingTransaction struct {
	ID        string            `json:"id"`
	ChainID   int64             `json:"chainId"`
	To        string            `json:"to"`
	Data      string            `json:"data,omitempty"`
	Value     string            `json:"value"`
	Context   map[string]string `json:"context,omitempty"`
	Status    Status            `json:"status"`
	TxHash    string            `json:"txHash,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Expired 判断 pending 交易在 now 时是否已过期。
func (p *PendingTransaction) Expired(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// Terminal 判断交易是否已经结束。
func (p *PendingTransaction) Terminal() bool {
	switch p.Status {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (p *PendingTransaction) clone() *PendingTransaction {
	c := *p
	if p.Context != nil {
		c.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Prepared 是 Prepare 返回给调用方的结果。
type Prepared struct {
	ID         string    `json:"id"`
	SigningURL string    `json:"signingUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// View 是查询接口返回的交易视图。
type View struct {
	PendingTransaction
	SigningURL string `json:"signingUrl,omitempty"`
	Found      bool   `json:"found"`
}

// Change 描述一次状态写入。
type Change struct {
	From   Status
	To     Status
	TxHash string
	Error  string
	At     time.Time
}

// statusRank 给出正向流转的顺序，failed 与 expired 不参与排序。
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSigned:    1,
	StatusBroadcast: 2,
	StatusConfirmed: 3,
}

// CanTransition 判断 from 是否允许流转到 to。
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusExpired {
		return from == StatusPending
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	return ok && toRank > fromRank
}
