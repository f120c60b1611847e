package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/timelock-gifts/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts    int           // Maximum number of attempts, including the first
	InitialDelay   time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Upper bound for any single delay
	Multiplier     float64       // Growth factor between delays
	AttemptTimeout time.Duration // Deadline applied to each attempt; zero disables it
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, max 30s, 10s per attempt
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the loop stops and returns it unwrapped
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithExponentialBackoff executes a function with exponential backoff retry logic
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()

	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := runAttempt(ctx, config, attempt, fn)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)

			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			break
		}
		result.LastError = err

		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(config, attempt)

		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Debug("Operation failed, retrying with exponential backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

func runAttempt(ctx context.Context, config *RetryConfig, attempt int, fn RetryFunc) error {
	if config.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, config.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	return Backoff(config.InitialDelay, config.MaxDelay, config.Multiplier, attempt)
}

// Backoff returns initial * multiplier^(attempt-1), capped at max
func Backoff(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// Do runs fn with config and returns the last error when every attempt failed
func Do(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
