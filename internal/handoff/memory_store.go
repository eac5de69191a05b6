package handoff

import (
	"context"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 在进程内保存交易，仅适合单实例与测试。
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]*PendingTransaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*PendingTransaction)}
}

func (m *MemoryStore) Create(_ context.Context, tx *PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易已存在")
	}
	m.txs[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) Apply(_ context.Context, id string, change Change) (*PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != change.From {
		return tx.clone(), ErrStatusChanged
	}
	applyChange(tx, change)
	return tx.clone(), nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.txs {
		if tx.Expired(now) {
			applyChange(tx, Change{From: StatusPending, To: StatusExpired, At: now})
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
