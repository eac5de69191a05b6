package retry

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
)

func TestDoRetriesOnceThenSucceeds(t *testing.T) {
	calls := 0
	retries := 0
	p := Once(0).WithOnRetry(func(int, error) { retries++ })

	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", xerrors.New(xerrors.CodeFacilitatorUnavailable, "connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 2 || retries != 1 {
		t.Fatalf("got=%q calls=%d retries=%d", got, calls, retries)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Once(0), func(context.Context) (int, error) {
		calls++
		return 0, xerrors.New(xerrors.CodeFacilitatorUnavailable, "down")
	})
	if !xerrors.IsCode(err, xerrors.CodeFacilitatorUnavailable) {
		t.Fatalf("expected facilitator unavailable, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context) (int, error) {
		calls++
		return 0, xerrors.New(xerrors.CodeSettlementRejected, "bad signature")
	})
	if err == nil || calls != 1 {
		t.Fatalf("terminal error retried: calls=%d err=%v", calls, err)
	}
}

func TestDefaultRetryable(t *testing.T) {
	if DefaultRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retried")
	}
	if !DefaultRetryable(context.DeadlineExceeded) {
		t.Fatalf("timeouts are transient")
	}
	if DefaultRetryable(errors.New("plain")) {
		t.Fatalf("uncoded errors are not retried")
	}
}
