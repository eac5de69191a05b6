package settlement

import (
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Record is the persisted state of one paymentId.
type Record struct {
	PaymentID string
	Payer     string
	Nonce     string
	Digest    string
	Network   string
	Amount    string
	Status    payment.SettlementStatus
	TxHash    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settlement renders the record in protocol form.
func (r *Record) Settlement() *payment.Settlement {
	s := &payment.Settlement{
		PaymentID: r.PaymentID,
		TxHash:    r.TxHash,
		Status:    r.Status,
		Network:   r.Network,
		Payer:     r.Payer,
		Error:     r.Error,
	}
	if r.Status == payment.SettlementSettled {
		s.SettledAt = r.UpdatedAt
	}
	return s
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

var (
	// ErrNotFound means no record exists for the paymentId.
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "payment not found")
	// ErrNonceUsed means the payer's nonce is already bound to another paymentId.
	ErrNonceUsed = xerrors.New(xerrors.CodeSettlementRejected, "authorization nonce already used")
	// ErrStateChanged means a conditional update lost a race.
	ErrStateChanged = xerrors.New(xerrors.CodeConflict, "payment state changed concurrently")
)
