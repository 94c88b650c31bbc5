// Package retry provides a reusable exponential retry policy for storage
// writes and other transient operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// DefaultMaxRetries is the number of retries attempted after the first call.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the wait before the first retry; each retry doubles it.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps a single wait.
	DefaultMaxDelay = 30 * time.Second
)

// ErrExhausted wraps the last error once every retry has been used. A policy
// that never retries does not wrap.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes how an operation is retried. The zero value makes a single
// attempt; Default returns the standard retrying policy.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt. Negative
	// values disable retrying.
	MaxRetries int
	// BaseDelay is the delay before the first retry. Subsequent delays double.
	BaseDelay time.Duration
	// MaxDelay caps a single delay.
	MaxDelay time.Duration
	// Jitter randomizes each delay by +/- Jitter * delay. Zero is deterministic.
	Jitter float64

	// Retryable reports whether err is worth retrying. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default returns the policy used by the lifecycle manager when nothing is
// configured.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Operation is a unit of work executed under a Policy.
type Operation func(ctx context.Context) error

// Do runs op until it succeeds, returns a non-retryable error, the retries are
// used up, or ctx is done. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, op Operation) (int, error) {
	attempts := 0
	var lastErr error

	wrapped := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, delay)
		}
	}

	err := backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return attempts, fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	if p.maxRetries() > 0 && p.retryable(err) && attempts > p.maxRetries() {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	return attempts, err
}

func (p Policy) retryable(err error) bool {
	return p.Retryable == nil || p.Retryable(err)
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		exp.MaxInterval = p.MaxDelay
	} else {
		exp.MaxInterval = DefaultMaxDelay
	}
	exp.Reset()

	// WithMaxRetries treats zero as unlimited.
	if p.maxRetries() == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.maxRetries())), ctx)
}

// Delay returns the un-jittered wait before retry n (1-based):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
