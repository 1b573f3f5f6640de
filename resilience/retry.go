package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// RetryConfig is one blocking-retry schedule: exponential backoff from
// InitialDelay up to MaxDelay, capped at MaxAttempts tries, with RetryIf
// deciding whether a given failure is worth another attempt at all.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	RetryIf         func(error) bool
}

// DefaultRetryConfig returns the Delivery retry schedule of spec.md §4.8:
// base delay 1s, factor 2, cap 1h, jitter ±20%, at most 8 attempts.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     8,
		InitialDelay:    1 * time.Second,
		MaxDelay:        1 * time.Hour,
		Multiplier:      2.0,
		RandomizeFactor: 0.2,
		RetryIf:         IsRetryable,
	}
}

// RetryWithConfig blocks the calling goroutine, calling fn until it
// succeeds, config.RetryIf rejects the failure as non-retryable, ctx is
// cancelled, or MaxAttempts is reached.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if config.RetryIf != nil && !config.RetryIf(err) {
				return err
			}
		}

		if attempt < config.MaxAttempts-1 {
			jitteredDelay := applyJitter(delay, config.RandomizeFactor)

			select {
			case <-time.After(jitteredDelay):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	}

	return ErrMaxRetriesExceeded{
		Attempts: config.MaxAttempts,
		LastErr:  lastErr,
	}
}

// Retry blocks on fn using the Delivery retry schedule of
// DefaultRetryConfig. Meant for a synchronous caller with no persisted
// retry state of its own to fall back on (unlike node.Node, which instead
// leaves a failed send Pending for ProcessPendingDeliveries to pick up
// later).
func Retry(ctx context.Context, fn func() error) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), fn)
}

// RetryWithBackoff blocks on fn for at most attempts tries, backing off
// exponentially from delay up to a 30s cap with light jitter. Meant for a
// short, bounded retry burst nested inside a larger operation, rather than
// the long-horizon schedule DefaultRetryConfig describes.
func RetryWithBackoff(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	config := &RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    delay,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         IsRetryable,
	}
	return RetryWithConfig(ctx, config, fn)
}

// applyJitter randomizes delay by up to ±factor so that many callers
// backing off from the same failure don't all retry in lockstep.
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := float64(delay) * factor
	minDelay := float64(delay) - jitter
	maxDelay := float64(delay) + jitter
	return time.Duration(minDelay + rand.Float64()*(maxDelay-minDelay))
}

// IsRetryable determines if an error should trigger a retry. Deliveries
// carry *errs.Error values tagged Transient/PermanentRejection/Timeout by
// the transport layer (spec.md §4.8's "permanent-failure rule for 4xx
// except 408/429"); anything else falls back to the Error.Retryable flag.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errs.OfKind(err, errs.PermanentRejection) {
		return false
	}
	if errs.OfKind(err, errs.Transient) || errs.OfKind(err, errs.Timeout) {
		return true
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// ErrMaxRetriesExceeded is RetryWithConfig's (and its callers') terminal
// error once MaxAttempts is spent without a retryable path to success.
type ErrMaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e ErrMaxRetriesExceeded) Error() string {
	if e.LastErr != nil {
		return "max retries exceeded: " + e.LastErr.Error()
	}
	return "max retries exceeded"
}

func (e ErrMaxRetriesExceeded) Unwrap() error {
	return e.LastErr
}

// ExponentialBackoffPolicy computes an un-jittered exponential delay curve.
// node.backoffFor builds one off resilience.DefaultRetryConfig to derive
// the persisted-delivery retry curve, applying its own jitter on top since
// NextDelay alone is deterministic.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// NextDelay returns the delay before the given 0-indexed attempt.
func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	delay := p.InitialDelay * time.Duration(math.Pow(p.Multiplier, float64(attempt)))
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
