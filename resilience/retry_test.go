package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("503 service unavailable")
var errPermanent = errors.New("400 bad request")

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		RetryIf:        func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDo_SucceedsAfterTwoTransientFailures(t *testing.T) {
	result, attempts, err := Do(context.Background(), fastRetry(3), func(attempt int) (string, error) {
		if attempt < 3 {
			return "", errTransient
		}
		return "minutes", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "minutes" || attempts != 3 {
		t.Errorf("expected result after 3 attempts, got %q after %d", result, attempts)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	_, attempts, err := Do(context.Background(), fastRetry(3), func(int) (int, error) {
		return 0, errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	_, attempts, err := Do(context.Background(), cfg, func(int) (int, error) {
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(retries) != 2 {
		t.Errorf("expected OnRetry twice, got %v", retries)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, attempts, err := Do(ctx, fastRetry(3), func(int) (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) || attempts != 0 {
		t.Fatalf("expected cancellation before first attempt, got %v after %d", err, attempts)
	}
}

func TestRetry_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{}, func() (int, error) {
		calls++
		return 0, errTransient
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failing call, got %d calls err=%v", calls, err)
	}
}

func TestBackoff_CappedAndGrowing(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond, BackoffFactor: 2}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := Backoff(i+1, cfg); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}
