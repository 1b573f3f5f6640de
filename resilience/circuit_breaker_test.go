package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	failure := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return failure })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("execute while open: %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)
	failure := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return failure })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful half-open trial = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	failure := errors.New("boom")
	_ = cb.Execute(func() error { return failure })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	_ = cb.Execute(func() error { return failure })
	if cb.State() != StateOpen {
		t.Fatalf("state after half-open failure = %s, want open again", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state after Reset = %s, want closed", cb.State())
	}
	if cb.Failures() != 0 {
		t.Fatalf("failures after Reset = %d, want 0", cb.Failures())
	}
}
