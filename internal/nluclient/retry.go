package nluclient

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of connectivity failures. Remote
// rejections and training outcomes are never retried.
type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the delay after each failure (default 2).
	Multiplier float64

	// Jitter adds up to 10% random delay.
	Jitter bool
}

// DefaultRetryPolicy returns the policy used when Options.Retry is nil.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NoRetry returns a policy that makes exactly one attempt.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, Multiplier: 1.0}
}

func (p *RetryPolicy) normalize() *RetryPolicy {
	out := *p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2.0
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = out.InitialDelay
	}
	return &out
}

// retry runs fn until it succeeds, fails with a non-connectivity error, the
// attempts run out, or ctx ends. The last error is returned unchanged so its
// type survives for callers.
func retry(ctx context.Context, policy *RetryPolicy, logger *zap.Logger, op string, fn func() error) error {
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Debug("retrying nlu request",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * policy.Multiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
			if policy.Jitter {
				delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
			}
		}

		lastErr = fn()
		if lastErr == nil || !nlu.IsConnectivity(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}

	logger.Warn("nlu request retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return lastErr
}
