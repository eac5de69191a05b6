package settlement

import (
	"context"
	"sync"
	"time"

	"AgentPay-Chain/internal/payment"
)

// Store persists payment records. Reserve is the idempotency point: it either
// inserts rec in pending state and returns (nil, nil), or returns the record
// already stored under rec.PaymentID. A (payer, nonce) pair bound to another
// paymentId yields ErrNonceUsed.
type Store interface {
	Reserve(ctx context.Context, rec *Record) (*Record, error)
	Get(ctx context.Context, paymentID string) (*Record, error)
	// Retry moves a failed record back to pending.
	Retry(ctx context.Context, paymentID string, at time.Time) error
	Complete(ctx context.Context, paymentID, txHash string, at time.Time) (*Record, error)
	Fail(ctx context.Context, paymentID, reason string, at time.Time) (*Record, error)
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	nonces  map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), nonces: make(map[string]string)}
}

func nonceKey(payer, nonce string) string { return payer + "/" + nonce }

func (m *MemoryStore) Reserve(_ context.Context, rec *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.PaymentID]; ok {
		return existing.clone(), nil
	}
	if owner, ok := m.nonces[nonceKey(rec.Payer, rec.Nonce)]; ok && owner != rec.PaymentID {
		return nil, ErrNonceUsed
	}
	stored := rec.clone()
	stored.Status = payment.SettlementPending
	m.records[rec.PaymentID] = stored
	m.nonces[nonceKey(rec.Payer, rec.Nonce)] = rec.PaymentID
	return nil, nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) Retry(_ context.Context, paymentID string, at time.Time) error {
	_, err := m.transition(paymentID, payment.SettlementFailed, func(r *Record) {
		r.Status = payment.SettlementPending
		r.Error = ""
		r.UpdatedAt = at
	})
	return err
}

func (m *MemoryStore) Complete(_ context.Context, paymentID, txHash string, at time.Time) (*Record, error) {
	return m.transition(paymentID, payment.SettlementPending, func(r *Record) {
		r.Status = payment.SettlementSettled
		r.TxHash = txHash
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) Fail(_ context.Context, paymentID, reason string, at time.Time) (*Record, error) {
	return m.transition(paymentID, payment.SettlementPending, func(r *Record) {
		r.Status = payment.SettlementFailed
		r.Error = reason
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) transition(paymentID string, from payment.SettlementStatus, apply func(*Record)) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != from {
		return rec.clone(), ErrStateChanged
	}
	apply(rec)
	return rec.clone(), nil
}

var _ Store = (*MemoryStore)(nil)
