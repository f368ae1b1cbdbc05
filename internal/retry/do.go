package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config configures Do.
type Config struct {
	Policy Policy
	// MaxElapsed is the total time after which retries stop (0 = no limit).
	MaxElapsed time.Duration
}

// DefaultConfig returns defaults for short outbound requests such as
// credential fetches: jittered 250ms doubling to 2s, three attempts.
func DefaultConfig() Config {
	return Config{
		Policy: Policy{
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			MaxAttempts: 3,
			Jitter:      true,
		},
		MaxElapsed: 15 * time.Second,
	}
}

// Do calls fn until it succeeds, backing off by cfg.Policy between failures.
// A PermanentError ends the loop and its inner error is returned as is.
func Do(ctx context.Context, cfg Config, operationName string, fn func(ctx context.Context) error) error {
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy = DefaultConfig().Policy
	}
	if cfg.Policy.MaxDelay < cfg.Policy.BaseDelay {
		cfg.Policy.MaxDelay = cfg.Policy.BaseDelay
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation recovered",
					"operation", operationName,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			slog.Warn("Operation failed permanently",
				"operation", operationName,
				"attempt", attempt,
				"error", perm.Err,
			)
			return perm.Err
		}

		lastErr = err

		if cfg.Policy.Decide(attempt, false).Action == GiveUp {
			slog.Warn("Operation gave up",
				"operation", operationName,
				"attempts", attempt,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"reason", "max attempts",
				"lastError", err,
			)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operationName, attempt, lastErr)
		}

		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			slog.Warn("Operation gave up",
				"operation", operationName,
				"attempts", attempt,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"reason", "max elapsed",
				"lastError", err,
			)
			return fmt.Errorf("%s: retries exhausted after %v: %w", operationName, time.Since(start).Round(time.Millisecond), lastErr)
		}

		wait := cfg.Policy.Delay(attempt - 1)
		slog.Info("Operation failed, backing off",
			"operation", operationName,
			"attempt", attempt,
			"delay", wait.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operationName, ctx.Err())
		case <-timer.C:
		}
	}
}
