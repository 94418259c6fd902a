package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterFraction  float64
	RetryableErrors func(error) bool
	// OnRetry is called before sleeping ahead of the given attempt.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		RetryableErrors: func(err error) bool {
			return true
		},
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryWithConfig runs fn until it succeeds, returns a non-retryable error,
// runs out of attempts or ctx ends. The last error is wrapped, never replaced.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("context cancelled: %w", lastErr)
			}
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if attempt >= config.MaxAttempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", lastErr)
		case <-time.After(withJitter(delay, config)):
		}
		delay = calculateBackoff(delay, config)
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// calculateBackoff grows the delay exponentially up to MaxDelay
func calculateBackoff(currentDelay time.Duration, config *RetryConfig) time.Duration {
	nextDelay := time.Duration(float64(currentDelay) * config.BackoffFactor)
	if config.MaxDelay > 0 && nextDelay > config.MaxDelay {
		nextDelay = config.MaxDelay
	}
	return nextDelay
}

func withJitter(delay time.Duration, config *RetryConfig) time.Duration {
	if config.JitterFraction <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Float64()*config.JitterFraction*float64(delay))
}
