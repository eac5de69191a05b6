// Package retry provides the retry policy shared by every outbound network
// collaborator (facilitator settlement, MCP peer bridge, chain RPC).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Policy is an explicit retry value object: how many attempts, how long to
// wait between them, and which errors are worth another attempt.
type Policy struct {
	// MaxAttempts counts the first call. MaxAttempts == 2 means one retry.
	MaxAttempts int
	// Backoff is the delay before the first retry; later retries double it.
	Backoff time.Duration
	// MaxBackoff caps the exponential delay. Zero means no cap.
	MaxBackoff time.Duration
	// Jitter in [0,1] spreads retries by ±Jitter of the computed delay.
	Jitter float64
	// Retryable reports whether err is transient. Nil falls back to the
	// error code registry.
	Retryable func(error) bool
	// OnRetry, when set, is invoked before every retry with the 1-based
	// attempt number that just failed.
	OnRetry func(attempt int, err error)
}

// Once is the policy for collaborators that get exactly one reconnect.
func Once(backoff time.Duration) Policy {
	return Policy{MaxAttempts: 2, Backoff: backoff, MaxBackoff: backoff * 4}
}

// WithRetryable returns a copy with the predicate replaced.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithOnRetry returns a copy with the retry hook replaced.
func (p Policy) WithOnRetry(fn func(attempt int, err error)) Policy {
	p.OnRetry = fn
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts || !retryable(err) {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// DefaultRetryable treats coded retryable errors and deadline overruns as
// transient. Cancellation by the caller is never retried.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return xerrors.RetryableError(err)
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := time.Duration(float64(p.Backoff) * math.Pow(2, float64(attempt-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) + spread*(2*rand.Float64()-1))
		if d < 0 {
			d = 0
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
