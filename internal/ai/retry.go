package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sony/gobreaker"
)

// RetryConfig holds retry configuration for API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)

	// Circuit breaker settings
	FailureThreshold uint32        // Consecutive failures before opening (default: 5)
	OpenTimeout      time.Duration // How long to keep the circuit open (default: 30s)

	// Throughput limits
	RequestsPerMinute  int // Token bucket refill rate (default: 30, 0 = unlimited)
	MaxConcurrentCalls int // Maximum in-flight API calls (default: 3, 0 = unlimited)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		BackoffMultiplier:  2.0,
		FailureThreshold:   5,
		OpenTimeout:        30 * time.Second,
		RequestsPerMinute:  30,
		MaxConcurrentCalls: 3,
	}
}

// Validate checks the retry configuration
func (r RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", r.MaxRetries)
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1 (got %.2f)", r.BackoffMultiplier)
	}
	if r.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative (got %d)", r.RequestsPerMinute)
	}
	if r.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max_concurrent_calls cannot be negative (got %d)", r.MaxConcurrentCalls)
	}
	return nil
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

func newBreaker(name string, cfg RetryConfig, onChange func(from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Auth and validation failures say nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetriableError(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
}

// retryWithBackoff executes an operation with retry and exponential backoff.
// Every attempt passes through the concurrency cap, the rate limiter and the
// circuit breaker, in that order.
func (d *Diagnoser) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if d.concurrencySem != nil {
		if err := d.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer d.concurrencySem.Release(1)
	}

	var lastErr error
	backoff := d.retry.InitialBackoff

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s rate limited: %w", operation, err)
			}
		}

		_, err := d.breaker.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			if attempt > 0 {
				d.log.Info().Str("operation", operation).Int("retries", attempt).Msg("AI call succeeded after retries")
			}
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.log.Warn().Str("operation", operation).Str("state", d.breaker.State().String()).Msg("AI call blocked by circuit breaker")
			return fmt.Errorf("%s failed: %w", operation, ErrCircuitOpen)
		}

		lastErr = err
		if !isRetriableError(err) {
			d.log.Warn().Err(err).Str("operation", operation).Msg("AI call failed with non-retriable error")
			return err
		}

		if attempt == d.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		d.log.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_attempts", d.retry.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("AI call failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * d.retry.BackoffMultiplier)
			if backoff > d.retry.MaxBackoff {
				backoff = d.retry.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, d.retry.MaxRetries+1, lastErr)
}

// isRetriableError determines if an error is transient
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429, apiErr.StatusCode == 529:
			return true
		case apiErr.StatusCode >= 500:
			return true
		case apiErr.StatusCode >= 400:
			return false
		}
	}

	// Transport errors don't carry a status code
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
