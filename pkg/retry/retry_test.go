package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/pkg/errors"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.Transient("flaky", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	fatal := errors.Fatal("rejected", nil)
	err := New(fastConfig()).Do(func() error {
		attempts++
		return fatal
	})
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsFatal(err))
}

func TestDoWrapsExhaustion(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(func() error {
		attempts++
		return errors.Transient("always down", nil)
	})
	assert.Equal(t, 3, attempts)
	assert.Equal(t, errors.ErrCodeRetryExhausted, errors.CodeOf(err))
	assert.True(t, errors.IsTransient(err))
}

func TestDoWithContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	err := New(cfg).DoWithContext(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.Transient("flaky", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestOnRetryCallback(t *testing.T) {
	var seen []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	}
	_ = New(cfg).Do(func() error { return errors.Transient("flaky", nil) })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestCalculateDelayGrowthAndCap(t *testing.T) {
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     35 * time.Millisecond,
		Multiplier:   2.0,
	})
	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 35*time.Millisecond, r.calculateDelay(3))
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 200*time.Millisecond, Backoff(base, max, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(base, max, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(base, max, 3))
	assert.Equal(t, max, Backoff(base, max, 4))
	assert.Equal(t, max, Backoff(base, max, 60))

	// Zero values fall back to defaults rather than producing a zero delay.
	assert.NotZero(t, Backoff(0, 0, 1))
}
