// Package retry provides the jittered-backoff-plus-rate-limit helper shared
// by every outbound call to an external system (LLM, vector index, calendar
// provider, agent workspace): spec.md §5 requires bounded retries with
// backoff on transient failures and treats provider errors as the provider's
// fault, not a protocol violation.
package retry

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds retries of one external call type with a token-bucket rate
// limiter layered in front, so a string of failures does not also turn into
// a hammering loop against an already-struggling dependency.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Limiter     *rate.Limiter
}

// NewPolicy builds a Policy with ratePerSecond/burst governing the limiter.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, ratePerSecond float64, burst int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Retryable classifies an error as worth retrying. Callers pass their own
// transport-specific classifier; Do treats a nil classifier as "always retry".
type Retryable func(error) bool

// Do waits for rate-limiter admission then calls fn, retrying on error up to
// MaxAttempts with full-jitter exponential backoff. It returns the last
// error if every attempt fails, or ctx.Err() if the context is cancelled
// mid-backoff.
func Do(ctx context.Context, p Policy, retryable Retryable, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := backoff(p.BaseDelay, p.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
