// Package backoff provides the retry helper shared by the fetcher, the task queue, and webhook delivery.
package backoff

import (
	"context"
	"time"
)

// maxShift caps the exponent so Delay never overflows time.Duration.
const maxShift = 30

// Delay returns the wait before retrying after the given zero-based attempt: base * 2^attempt.
func Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return base << attempt
}

// Policy describes how Do retries a call.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values below 1 mean 1.
	Attempts int
	// BaseDelay is the wait after the first failure; it doubles after each subsequent failure.
	BaseDelay time.Duration
	// IsRetryable reports whether err warrants another attempt. Nil means never retry.
	IsRetryable func(err error) bool
	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt ceiling is reached.
// The error from the last attempt is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := range attempts {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if p.IsRetryable == nil || !p.IsRetryable(err) || attempt == attempts-1 {
			return err
		}
		if sleepErr := sleep(ctx, Delay(attempt, p.BaseDelay)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Sleep blocks for d or until ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Schedule is a fixed list of offsets used instead of doubling, e.g. webhook redelivery.
type Schedule []time.Duration

// Next returns the offset for the zero-based retry index and false once the schedule is exhausted.
func (s Schedule) Next(retry int) (time.Duration, bool) {
	if retry < 0 || retry >= len(s) {
		return 0, false
	}
	return s[retry], true
}
