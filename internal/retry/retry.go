package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     bool // Exponential backoff
	MaxDelay    time.Duration
	// OnRetry, if set, is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so WithRetry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfter asks WithRetry to wait at least d before the next attempt.
type RetryAfter struct {
	Err   error
	After time.Duration
}

func (r *RetryAfter) Error() string { return r.Err.Error() }
func (r *RetryAfter) Unwrap() error { return r.Err }

func WithRetry(ctx context.Context, config RetryConfig, fn func() error) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == attempts {
			break
		}

		delay := config.Delay
		if config.Backoff {
			delay = config.Delay << (attempt - 1)
		}
		var ra *RetryAfter
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
