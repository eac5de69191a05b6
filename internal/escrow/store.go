package escrow

import (
	"context"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Store persists sessions and their event log. Every mutating method is
// atomic: the session update and its events commit together or not at all.
type Store interface {
	Create(ctx context.Context, s *Session, events []Event) error
	// Get returns a SESSION_NOT_FOUND error for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)
	// Activate moves a created session to active with deposited=amount.
	Activate(ctx context.Context, id string, amount int64, txHash string, ev Event) error
	SetAgent(ctx context.Context, id, agent string, authorized bool, ev Event) error
	// ReserveRelease increments released by amount only while the session is
	// active, unexpired at now and has at least amount remaining. A lost
	// race is reported as errBudgetExhausted. A non-empty ev.ExecutionID is
	// claimed in the same step; when a live release already holds it the
	// store changes nothing and returns errDuplicateExecution.
	ReserveRelease(ctx context.Context, id string, amount int64, now time.Time, ev Event) error
	// ReverseRelease undoes a reservation whose transfer failed and frees
	// its executionID claim.
	ReverseRelease(ctx context.Context, id, eventID string, amount int64) error
	// FindRelease returns the non-reversed release tagged with executionID,
	// or nil.
	FindRelease(ctx context.Context, id, executionID string) (*Event, error)
	// ReserveClose marks the session closed and moves refund from remaining
	// to refunded, provided the session is still in status from.
	ReserveClose(ctx context.Context, id string, from Status, refund int64, result CloseResult, events []Event) error
	// ReverseClose restores status from after a failed refund transfer.
	ReverseClose(ctx context.Context, id string, from Status, refund int64, eventIDs []string) error
	// ConfirmTx records the on-chain hash on events and, for closes, on the
	// session close result.
	ConfirmTx(ctx context.Context, id string, eventIDs []string, txHash string, closing bool) error
	Events(ctx context.Context, id string) ([]Event, error)
}

var errBudgetExhausted = xerrors.New(xerrors.CodeAuthorizationDenied, "session budget exhausted or session inactive",
	xerrors.WithMetadata("reason", ReasonInsufficient))

var errDuplicateExecution = xerrors.New(xerrors.CodeConflict, "executionId already claimed by another release")

var errStateChanged = xerrors.New(xerrors.CodeConflict, "session state changed concurrently")

func notFound(id string) error {
	return xerrors.New(xerrors.CodeSessionNotFound, "", xerrors.WithMetadata("session_id", id))
}
