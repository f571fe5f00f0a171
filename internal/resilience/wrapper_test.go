package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

func newTestWrapper(cfg Config) (*Wrapper, *[]time.Duration) {
	w := New(cfg, nil, nil)
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return w, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	w, delays := newTestWrapper(Config{})

	calls := 0
	err := w.Do(context.Background(), "upsert", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoRetriesRecoverableErrors(t *testing.T) {
	w, delays := newTestWrapper(Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	calls := 0
	err := w.Do(context.Background(), "upsert", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return history.NewStoreError("upsert", true, errors.New("unavailable"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestDoShortCircuitsNonRecoverable(t *testing.T) {
	w, delays := newTestWrapper(Config{MaxAttempts: 3})

	calls := 0
	privacy := &history.PrivacyError{Op: "search", RequestedSession: "s1", ActualSession: "s2"}
	err := w.Do(context.Background(), "search", func(ctx context.Context) error {
		calls++
		return privacy
	})

	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
	assert.True(t, history.IsPrivacyViolation(err))
}

func TestDoExhaustionReturnsLastErrorTyped(t *testing.T) {
	w, _ := newTestWrapper(Config{MaxAttempts: 2})

	final := history.NewStoreError("upsert", true, errors.New("still down"))
	err := w.Do(context.Background(), "upsert", func(ctx context.Context) error {
		return final
	})

	require.Error(t, err)
	var se *history.StoreError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Recoverable)
}

func TestDoConvertsAttemptDeadlineToTimeoutError(t *testing.T) {
	w, _ := newTestWrapper(Config{MaxAttempts: 2, Timeout: time.Millisecond})

	err := w.Do(context.Background(), "search", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	var te *history.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestDoRespectsParentCancellation(t *testing.T) {
	w, _ := newTestWrapper(Config{MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := w.Do(ctx, "upsert", func(ctx context.Context) error {
		calls++
		cancel()
		return history.NewStoreError("upsert", true, errors.New("unavailable"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var te *history.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestBackoffCapped(t *testing.T) {
	w := New(Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil, nil)

	assert.Equal(t, time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 4*time.Second, w.backoff(3))
	assert.Equal(t, 5*time.Second, w.backoff(4))
	assert.Equal(t, 5*time.Second, w.backoff(9))
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}
