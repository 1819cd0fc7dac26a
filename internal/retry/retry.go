// Package retry implements the policy-driven re-execution engine: attempt
// a function, classify failures, wait according to a
// strategy, and try again until a budget is exhausted or the error is not
// retryable.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/retry/strategy"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
)

// Classifier decides whether an error should be retried, given the
// idempotency hint the caller attached to the operation.
type Classifier func(err error, idempotent bool) bool

// DefaultClassifier is the default retry table: transport ABORTED,
// INTERNAL, RESOURCE_EXHAUSTED always; UNAVAILABLE only when idempotent;
// BAD_SESSION, OVERLOADED, UNAVAILABLE (database) always; SESSION_EXPIRED,
// TIMEOUT, UNDETERMINED only when idempotent. AbortError and TimeoutError
// (context.Canceled / context.DeadlineExceeded) are never retried.
func DefaultClassifier(err error, idempotent bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var clientErr *xerrors.ClientError
	if errors.As(err, &clientErr) {
		return false
	}
	return xerrors.IsRetryable(err, idempotent)
}

// DefaultStrategy is the default delay table: BAD_SESSION /
// SESSION_EXPIRED / ABORTED have no delay; OVERLOADED / RESOURCE_EXHAUSTED
// back off from 1s; everything else backs off from 10ms.
func DefaultStrategy(err error, attempt int) time.Duration {
	var status *xerrors.StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case xerrors.StatusBadSession, xerrors.StatusSessionExpired:
			return 0
		case xerrors.StatusOverloaded:
			return strategy.Exponential(time.Second)(attempt)
		}
	}
	var transport *xerrors.TransportError
	if errors.As(err, &transport) {
		switch transport.Code {
		case xerrors.TransportAborted:
			return 0
		case xerrors.TransportResourceExhausted:
			return strategy.Exponential(time.Second)(attempt)
		}
	}
	return strategy.Exponential(10 * time.Millisecond)(attempt)
}

// RetryInfo describes one retry, passed to OnRetry.
type RetryInfo struct {
	Attempt int
	Err     error
	Delay   time.Duration
}

// Config drives a single call to Do.
type Config struct {
	// Retry classifies an error as retryable or not. Nil uses DefaultClassifier.
	Retry Classifier
	// Budget caps the number of attempts (including the first). A zero
	// budget fails without invoking the operation at all.
	Budget int
	// Strategy computes the delay before the next attempt from the error
	// and the (zero-based) attempt count just completed. Nil uses
	// DefaultStrategy.
	Strategy func(err error, attempt int) time.Duration
	// OnRetry is invoked once per retry, after the delay has been
	// scheduled but before the next attempt starts.
	OnRetry func(RetryInfo)
	// Idempotent is passed through to Retry as a hint.
	Idempotent bool
}

// Op is the operation retried by Do. It receives a context scoped to the
// single attempt (cancelled when that attempt returns, and whenever the
// outer context is cancelled).
type Op[R any] func(ctx context.Context) (R, error)

// Do runs op under the retry policy described by cfg. On success it
// returns the result; otherwise it returns the last classified error once
// the budget is exhausted or the classifier rejects the error.
func Do[R any](ctx context.Context, cfg Config, op Op[R]) (R, error) {
	var zero R

	classify := cfg.Retry
	if classify == nil {
		classify = DefaultClassifier
	}
	strat := cfg.Strategy
	if strat == nil {
		strat = DefaultStrategy
	}

	budget := cfg.Budget
	if budget <= 0 {
		// A zero budget never invokes the operation.
		return zero, xerrors.ErrTimeout
	}

	attempt := 0
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		start := time.Now()
		result, err := op(attemptCtx)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err
		attempt++

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if attempt >= budget {
			return zero, lastErr
		}
		if !classify(err, cfg.Idempotent) {
			return zero, err
		}

		elapsed := time.Since(start)
		delay := strat(err, attempt-1)
		delay -= elapsed
		if delay < 0 {
			delay = 0
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(RetryInfo{Attempt: attempt, Err: err, Delay: delay})
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			}
		}
	}
}
