// Package payment defines the x402 payment vocabulary shared by the signer,
// the facilitator client, the challenge resolver and the settlement service.
package payment

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
)

// X402Version is the protocol version written into payment headers.
const X402Version = 1

// SchemeExact is the only supported scheme: pay exactly maxAmountRequired.
const SchemeExact = "exact"

// DefaultTimeoutSeconds applies when a requirement omits maxTimeoutSeconds.
const DefaultTimeoutSeconds = 300

// ClockSkew is subtracted from now when computing validAfter.
const ClockSkew = 60 * time.Second

// Header names used on the retried resource request and the response.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentID       = "X-PAYMENT-ID"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Extra carries the EIP-712 domain of the token contract.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Requirement is the priced challenge a resource server issues. It is
// immutable once issued.
type Requirement struct {
	Scheme            string `json:"scheme,omitempty"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	// ValidAfter and ValidBefore are unix seconds. Zero means unbounded.
	ValidAfter  int64  `json:"validAfter,omitempty"`
	ValidBefore int64  `json:"validBefore,omitempty"`
	Extra       *Extra `json:"extra,omitempty"`
}

// Timeout returns the authorization lifetime for this requirement.
func (r Requirement) Timeout() time.Duration {
	if r.MaxTimeoutSeconds > 0 {
		return time.Duration(r.MaxTimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// Validate checks the fields a signer and a settler depend on.
func (r Requirement) Validate() error {
	if strings.TrimSpace(r.Network) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "requirement network is required")
	}
	if !common.IsHexAddress(r.PayTo) {
		return xerrors.New(xerrors.CodeInvalidArgument, "requirement payTo is not an address",
			xerrors.WithMetadata("payTo", r.PayTo))
	}
	if !common.IsHexAddress(r.Asset) {
		return xerrors.New(xerrors.CodeInvalidArgument, "requirement asset is not an address",
			xerrors.WithMetadata("asset", r.Asset))
	}
	amount, err := ParseBaseUnits(r.MaxAmountRequired)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "maxAmountRequired must be positive")
	}
	if r.Scheme != "" && r.Scheme != SchemeExact {
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported scheme "+r.Scheme)
	}
	return nil
}

// Authorization is a signed EIP-3009 TransferWithAuthorization. Numeric
// fields are decimal strings; Nonce and Signature are 0x-prefixed hex.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature,omitempty"`
}

// SettlementStatus is the lifecycle of a submitted payment.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

// Settlement reports the outcome of one logical payment, keyed by PaymentID.
type Settlement struct {
	PaymentID string           `json:"paymentId"`
	TxHash    string           `json:"txHash,omitempty"`
	Status    SettlementStatus `json:"status"`
	Network   string           `json:"network,omitempty"`
	Payer     string           `json:"payer,omitempty"`
	Error     string           `json:"error,omitempty"`
	SettledAt time.Time        `json:"settledAt,omitempty"`
}

// Proof is attached to the retried resource call after settlement.
type Proof struct {
	PaymentID  string
	Header     string
	Settlement *Settlement
}
