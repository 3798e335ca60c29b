// Package retry runs store calls with a per-attempt timeout and a bounded,
// jittered exponential backoff. Only store failures are retried; the
// deterministic kinds (not found, quota, validation) return immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/groups/internal/domain"
	"example.com/groups/internal/metrics"
)

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds each attempt; zero means no per-attempt bound.
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Timeout: 3 * time.Second}
}

// Once keeps the per-attempt timeout but makes a single attempt. It is meant
// for non-idempotent calls, where a timed-out attempt may already have applied.
func (p Policy) Once() Policy {
	p.Attempts = 1
	return p
}

// Do calls fn until it succeeds, returns a deterministic error, the attempts
// run out or ctx is done. Failures are returned as *domain.StorageError
// tagged with op.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	var last error
	err := backoff.Retry(func() error {
		err := attempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		last = domain.Storage(op, err)
		if !domain.IsTransient(last) {
			return backoff.Permanent(last)
		}
		return last
	}, backoff.WithContext(p.backOff(), ctx))
	if err == nil {
		return nil
	}
	if !domain.IsTransient(last) {
		return last
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return domain.Storage(op, errors.Join(last, ctxErr))
	}
	return last
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// backOff is exponential from BaseDelay, doubling up to MaxDelay, each wait
// jittered by half its length, and stops after Attempts calls.
func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(p.Attempts, 1)-1))
}
