// Package resilience provides the retry/timeout wrapper shared by all
// semantic index operations. Callers invoke the wrapper explicitly, so the
// retry policy is visible at the call site instead of hidden in decorators.
package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/historyd/internal/history"
	"github.com/fyrsmithlabs/historyd/internal/metrics"
)

// Config holds the retry and timeout policy.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay is the backoff before the second attempt; it doubles on each
	// subsequent one. Default: 1s.
	BaseDelay time.Duration `koanf:"base_delay"`

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration `koanf:"max_delay"`

	// Timeout bounds each individual attempt. Default: 10s.
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Wrapper retries recoverable failures with exponential backoff and bounds
// each attempt with a timeout. Non-recoverable errors (validation, privacy,
// resource) short-circuit immediately.
type Wrapper struct {
	config  Config
	logger  *zap.Logger
	metrics metrics.Sink

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Wrapper with the given policy.
func New(config Config, logger *zap.Logger, sink metrics.Sink) *Wrapper {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Wrapper{
		config:  config,
		logger:  logger,
		metrics: sink,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn with the configured timeout and retry policy. On exhaustion the
// last error is returned, typed as TimeoutError or StoreError so callers can
// distinguish "try later" from "give up".
func (w *Wrapper) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= w.config.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}

		// An attempt that ran out its own deadline is a timeout; no partial
		// state is left behind because index writes are idempotent by point ID.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &history.TimeoutError{Op: op, Err: err}
		}

		if !history.Recoverable(err) {
			return err
		}
		lastErr = err

		// Caller gave up; do not mask their cancellation with a retry error.
		if ctx.Err() != nil {
			return &history.TimeoutError{Op: op, Err: ctx.Err()}
		}

		if attempt == w.config.MaxAttempts {
			break
		}

		delay := w.backoff(attempt)
		w.logger.Warn("operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		w.metrics.RecordRetry(op)

		if sleepErr := w.sleep(ctx, delay); sleepErr != nil {
			return &history.TimeoutError{Op: op, Err: sleepErr}
		}
	}

	w.logger.Error("operation failed after all attempts",
		zap.String("op", op),
		zap.Int("attempts", w.config.MaxAttempts),
		zap.Error(lastErr))
	return lastErr
}

// backoff returns min(base * 2^(attempt-1), cap).
func (w *Wrapper) backoff(attempt int) time.Duration {
	delay := w.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.config.MaxDelay {
			return w.config.MaxDelay
		}
	}
	if delay > w.config.MaxDelay {
		return w.config.MaxDelay
	}
	return delay
}
