// Package retry runs an operation a bounded number of times with a backoff
// between attempts. It is used for the two calls the engine retries on its
// own: tenant assignment before checkout and the license bind call.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrAttemptsExhausted is joined with the last error once every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Backoff calculates the delay before a retry. Attempt starts at 1 for the
// first retry.
type Backoff interface {
	NextInterval(attempt int) time.Duration
}

// Fixed waits the same interval before every retry.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// Linear waits Step multiplied by the attempt number.
type Linear struct {
	Step time.Duration
}

func (l Linear) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(attempt) * l.Step
}

// Exponential doubles (or multiplies by Multiplier) the delay each retry,
// capped at MaxInterval.
type Exponential struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func (e Exponential) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = time.Second
	}
	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = 30 * time.Second
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}
	return time.Duration(interval)
}

// Policy describes how many times to try and how long to wait.
type Policy struct {
	Attempts int
	Backoff  Backoff
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each retry with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// is cancelled, or the attempts are used up. fn receives the 1-based attempt.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Backoff != nil {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(p.Backoff.NextInterval(attempt - 1)):
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts && p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}
