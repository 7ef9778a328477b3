package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// ErrAwaitExhausted is the cause of every bound-exceeded await.
var ErrAwaitExhausted = errors.New("await bound exhausted")

// Predicate reports whether the awaited condition holds. A returned error
// counts as "not yet" and is kept for the final report.
type Predicate func(ctx context.Context) (bool, error)

// Awaiter blocks until a predicate holds or a bound is exceeded. Polling is
// one implementation; a push-based source can satisfy the same contract.
type Awaiter interface {
	Await(ctx context.Context, desc string, pred Predicate) error
}

// PollAwaiter evaluates the predicate up to Attempts times, sleeping Delay
// between attempts and growing the delay by Backoff up to MaxDelay.
type PollAwaiter struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
	MaxDelay time.Duration
}

func DefaultPollAwaiter() PollAwaiter {
	return PollAwaiter{Attempts: 10, Delay: 3 * time.Second, Backoff: 1}
}

func (a PollAwaiter) Await(ctx context.Context, desc string, pred Predicate) error {
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := a.Delay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := pred(ctx)
		if ok {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, delay); err != nil {
			return clierr.Wrap(clierr.CodeVerificationTimeout, fmt.Sprintf("%s: wait interrupted", desc), err)
		}
		delay = a.next(delay)
	}
	msg := fmt.Sprintf("%s not observed after %d attempts", desc, attempts)
	if lastErr != nil {
		msg = fmt.Sprintf("%s (last error: %v)", msg, lastErr)
	}
	return clierr.Wrap(clierr.CodeVerificationTimeout, msg, ErrAwaitExhausted)
}

func (a PollAwaiter) next(delay time.Duration) time.Duration {
	if a.Backoff <= 1 {
		return delay
	}
	next := time.Duration(float64(delay) * a.Backoff)
	if a.MaxDelay > 0 && next > a.MaxDelay {
		return a.MaxDelay
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
