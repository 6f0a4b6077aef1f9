package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"github.com/fluxnote/llm-gateway/internal/errclass"
)

// DefaultRetryBudget is the number of extra attempts after the first.
const DefaultRetryBudget = 2

// RetryPolicy drives the attempt loop shared by the adapters. Classification
// decides the action per attempt: Retryable sleeps with exponential backoff
// and keeps the same credential, KeyInvalid and RateLimited rotate without
// sleeping, Fatal aborts.
type RetryPolicy struct {
	Budget       int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the gateway-wide defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Budget:       DefaultRetryBudget,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

func (rp RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.InitialDelay
	b.MaxInterval = rp.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	return b
}

// RotateFunc is invoked before rotating to another credential after a
// KeyInvalid or RateLimited attempt; pooled adapters mark the dead key here.
type RotateFunc func(class errclass.Class, err error)

// Retry runs attempt until it succeeds, the budget is exhausted, or a fatal
// error arrives. It returns the last error once the budget runs out.
// Cancellation during a backoff sleep aborts the loop immediately.
func (rp RetryPolicy) Retry(ctx context.Context, name string, attempt func(ctx context.Context) error, rotate RotateFunc) error {
	budget := rp.Budget
	if budget < 0 {
		budget = DefaultRetryBudget
	}
	bo := rp.newBackOff()

	var lastErr error
	for {
		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		class := errclass.ClassOf(lastErr)
		switch class {
		case errclass.KeyInvalid, errclass.RateLimited:
			if rotate != nil {
				rotate(class, lastErr)
			}
			if budget <= 0 {
				return lastErr
			}
			budget--
			log.WithField("provider", name).Warnf("credential rejected (%s), rotating: %v", class, lastErr)
		case errclass.Retryable:
			if budget <= 0 {
				return lastErr
			}
			budget--
			delay := bo.NextBackOff()
			log.WithField("provider", name).Warnf("transient upstream failure, retrying in %s: %v", delay, lastErr)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return lastErr
		}
	}
}

// sleep waits for d or until the context is cancelled, whichever comes
// first. A cancelled wait aborts the retry loop rather than completing a
// now-useless attempt.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
