package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

func TestPollAwaiterSucceedsEventually(t *testing.T) {
	calls := 0
	err := PollAwaiter{Attempts: 5, Delay: time.Millisecond}.Await(context.Background(), "balance", func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 predicate calls, got %d", calls)
	}
}

func TestPollAwaiterExhaustion(t *testing.T) {
	calls := 0
	err := PollAwaiter{Attempts: 2}.Await(context.Background(), "USDC balance increase", func(context.Context) (bool, error) {
		calls++
		return false, errors.New("rpc down")
	})
	if !clierr.Is(err, clierr.CodeVerificationTimeout) || !errors.Is(err, ErrAwaitExhausted) {
		t.Fatalf("expected verification timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "rpc down") {
		t.Fatalf("expected last error in message, got %q", err.Error())
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestPollAwaiterHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PollAwaiter{Attempts: 3, Delay: time.Hour}.Await(ctx, "x", func(context.Context) (bool, error) {
		return false, nil
	})
	if !clierr.Is(err, clierr.CodeVerificationTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted wait, got %v", err)
	}
}

func TestPollAwaiterBackoff(t *testing.T) {
	a := PollAwaiter{Backoff: 2, MaxDelay: 5 * time.Second}
	if got := a.next(2 * time.Second); got != 4*time.Second {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := a.next(4 * time.Second); got != 5*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := (PollAwaiter{}).next(time.Second); got != time.Second {
		t.Fatalf("expected constant delay without backoff, got %s", got)
	}
}
