// Package retry runs an operation again with exponential backoff when it
// fails with a transient error.
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, ShouldRetry: retry.Transient}, func() error {
//	    return client.Call(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative means a single attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Each later wait
	// doubles, capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. When nil every error is retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short network calls to model providers.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	ShouldRetry:  Transient,
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out or ctx is done. The last error from fn is returned, joined
// with the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("retry: attempt failed",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}
	return lastErr
}
