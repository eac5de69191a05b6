package escrow

import (
	"math/big"
	"strings"
	"time"

	"AgentPay-Chain/internal/payment"
)

// Status is the stored lifecycle state of a session.
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	// StatusExpired is never stored; it is derived on read.
	StatusExpired Status = "expired"
)

// EventType classifies an audit log entry.
type EventType string

const (
	EventDeposit   EventType = "DEPOSIT"
	EventRelease   EventType = "RELEASE"
	EventRefund    EventType = "REFUND"
	EventClose     EventType = "CLOSE"
	EventAuthorize EventType = "AUTHORIZE"
	EventRevoke    EventType = "REVOKE"
)

// Session is the persisted state of one escrow budget. Amounts are integer
// base units of the session asset.
type Session struct {
	ID               string
	OwnerAddress     string
	MaxSpend         int64
	Deposited        int64
	Released         int64
	Refunded         int64
	Status           Status
	ExpiresAt        time.Time
	AuthorizedAgents []string
	ActivationTx     string
	CloseResult      *CloseResult
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CloseResult is recorded by the terminal refund or close and returned
// unchanged by later closes.
type CloseResult struct {
	RefundAmount int64
	TxHash       string
	ClosedAt     time.Time
}

// Event is one append-only audit entry.
type Event struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Type         EventType `json:"eventType"`
	ActorAddress string    `json:"actorAddress,omitempty"`
	Amount       int64     `json:"amount"`
	TxHash       string    `json:"txHash,omitempty"`
	BlockNumber  uint64    `json:"blockNumber,omitempty"`
	ExecutionID  string    `json:"executionId,omitempty"`
	Reversed     bool      `json:"reversed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Remaining is the budget still available to releases and refunds.
func (s *Session) Remaining() int64 {
	return s.Deposited - s.Released - s.Refunded
}

// Expired reports whether now is past the session deadline.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// EffectiveStatus folds expiry into the stored status.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.Status != StatusClosed && s.Expired(now) {
		return StatusExpired
	}
	return s.Status
}

// IsActive reports whether the session accepts releases at now.
func (s *Session) IsActive(now time.Time) bool {
	return s.EffectiveStatus(now) == StatusActive
}

// HasAgent reports whether addr may draw on the session.
func (s *Session) HasAgent(addr string) bool {
	addr = normalizeAddress(addr)
	for _, a := range s.AuthorizedAgents {
		if a == addr {
			return true
		}
	}
	return false
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.AuthorizedAgents = append([]string(nil), s.AuthorizedAgents...)
	if s.CloseResult != nil {
		cr := *s.CloseResult
		c.CloseResult = &cr
	}
	return &c
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// View is the external representation of a session with decimal amounts.
type View struct {
	SessionID        string    `json:"sessionId"`
	OwnerAddress     string    `json:"ownerAddress"`
	MaxSpend         string    `json:"maxSpend"`
	Deposited        string    `json:"deposited"`
	Released         string    `json:"released"`
	Refunded         string    `json:"refunded"`
	Remaining        string    `json:"remaining"`
	Status           Status    `json:"status"`
	IsActive         bool      `json:"isActive"`
	ExpiresAt        time.Time `json:"expiresAt"`
	AuthorizedAgents []string  `json:"authorizedAgents"`
	ActivationTx     string    `json:"activationTx,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Check is the answer to CanExecute.
type Check struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining string `json:"remaining"`
}

// Reasons reported by Check.
const (
	ReasonNotFound     = "session_not_found"
	ReasonInactive     = "session_inactive"
	ReasonExpired      = "session_expired"
	ReasonUnauthorized = "agent_not_authorized"
	ReasonInsufficient = "insufficient_budget"
)

// ReleaseResult reports a completed release.
type ReleaseResult struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	Agent       string `json:"agent"`
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash"`
	Released    string `json:"released"`
	Remaining   string `json:"remaining"`
	// Duplicate is set when executionId matched an earlier release.
	Duplicate bool `json:"duplicate,omitempty"`
}

// RefundResult reports the outcome of refund and close.
type RefundResult struct {
	SessionID    string    `json:"sessionId"`
	RefundAmount string    `json:"refundAmount"`
	TxHash       string    `json:"txHash"`
	ClosedAt     time.Time `json:"closedAt"`
}

// EventView is an Event with a decimal amount.
type EventView struct {
	Event
	Amount string `json:"amount"`
}

func formatAmount(v int64, decimals int) string {
	return payment.FormatUnits(big.NewInt(v), decimals, 2)
}
