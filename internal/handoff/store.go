package handoff

import (
	"context"
	"time"
)

// Store 持久化待签名交易。
type Store interface {
	// Create 保存新交易。
	Create(ctx context.Context, tx *PendingTransaction) error
	// Get 读取交易，不存在时返回 ErrNotFound。
	Get(ctx context.Context, id string) (*PendingTransaction, error)
	// Apply 在当前状态等于 change.From 时写入新状态，否则返回 ErrStatusChanged。
	Apply(ctx context.Context, id string, change Change) (*PendingTransaction, error)
	// ExpireDue 将所有已过期的 pending 交易标记为 expired，返回处理数量。
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

func applyChange(tx *PendingTransaction, change Change) {
	tx.Status = change.To
	if change.TxHash != "" {
		tx.TxHash = change.TxHash
	}
	if change.Error != "" {
		tx.Error = change.Error
	}
	tx.UpdatedAt = change.At
}
