package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

func TestDefaultRetryConfigMatchesDeliverySchedule(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 8 {
		t.Fatalf("MaxAttempts = %d, want 8", cfg.MaxAttempts)
	}
	if cfg.InitialDelay.Seconds() != 1 {
		t.Fatalf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay.Hours() != 1 {
		t.Fatalf("MaxDelay = %v, want 1h", cfg.MaxDelay)
	}
}

func TestIsRetryableByKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", errs.New(errs.Transient, "network blip"), true},
		{"timeout", errs.New(errs.Timeout, "deadline"), true},
		{"permanent rejection", errs.New(errs.PermanentRejection, "bad request"), false},
		{"unauthorized defaults non-retryable", errs.New(errs.Unauthorized, "not a recipient"), false},
		{"explicitly retryable wrap", errs.WrapRetryable(errs.Transient, errors.New("boom"), "wrapped"), true},
		{"context canceled", context.Canceled, false},
		{"plain error defaults retryable", errors.New("unknown failure"), true},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("%s: IsRetryable = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRetryWithConfigStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	err := RetryWithConfig(context.Background(), &RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		Multiplier:      1,
		RandomizeFactor: 0,
	}, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithConfig() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry needed on first success)", calls)
	}
}

func TestRetryWithConfigStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	permanent := errs.New(errs.PermanentRejection, "bad request")
	err := RetryWithConfig(context.Background(), &RetryConfig{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		Multiplier:      1,
		RandomizeFactor: 0,
		RetryIf:         IsRetryable,
	}, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("RetryWithConfig() = %v, want the permanent error returned unwrapped", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (non-retryable error must not be retried)", calls)
	}
}

func TestRetryWithConfigExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryWithConfig(context.Background(), &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        time.Millisecond,
		Multiplier:      1,
		RandomizeFactor: 0,
	}, func() error {
		calls++
		return boom
	})
	var exceeded ErrMaxRetriesExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("RetryWithConfig() = %v, want ErrMaxRetriesExceeded", err)
	}
	if exceeded.Attempts != 3 || calls != 3 {
		t.Fatalf("calls = %d, exceeded.Attempts = %d, want 3/3", calls, exceeded.Attempts)
	}
	if !errors.Is(exceeded, boom) {
		t.Fatalf("ErrMaxRetriesExceeded should unwrap to the last error")
	}
}

func TestRetryUsesDefaultScheduleAndSucceedsWithoutDelay(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoffRespectsAttemptCount(t *testing.T) {
	calls := 0
	transient := errs.New(errs.Transient, "flaky")
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return transient
	})
	var exceeded ErrMaxRetriesExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("RetryWithBackoff() = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryWithConfigHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryWithConfig(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RetryWithConfig() = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 (cancelled before first attempt)", calls)
	}
}

func TestExponentialBackoffPolicyNextDelay(t *testing.T) {
	p := &ExponentialBackoffPolicy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	if got := p.NextDelay(0); got != time.Second {
		t.Fatalf("NextDelay(0) = %v, want 1s", got)
	}
	if got := p.NextDelay(2); got != 4*time.Second {
		t.Fatalf("NextDelay(2) = %v, want 4s", got)
	}
	if got := p.NextDelay(10); got != 10*time.Second {
		t.Fatalf("NextDelay(10) = %v, want capped at MaxDelay 10s", got)
	}
}
