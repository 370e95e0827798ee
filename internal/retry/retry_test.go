package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, Base: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond, Jitter: false}
}

func TestDo_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesRetryableErrorUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("temporary network blip")
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("order rejected: invalid symbol")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSafe_ReturnsAttemptsExhaustedAfterRetryableFailures(t *testing.T) {
	calls := 0
	result, err := DoSafe(context.Background(), fastConfig(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("temporary blip")
	})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 2, calls)
}

func TestDoSafe_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := DoSafe(ctx, fastConfig(3), func(ctx context.Context) (int, error) {
		return 0, errors.New("temporary blip")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Attempts)
}

func TestDefaultIsRetryable_ExcludesPermanentErrorSubstrings(t *testing.T) {
	assert.False(t, DefaultIsRetryable(errors.New("insufficient funds")))
	assert.False(t, DefaultIsRetryable(errors.New("order rejected by exchange")))
	assert.False(t, DefaultIsRetryable(errors.New("market closed")))
	assert.True(t, DefaultIsRetryable(errors.New("connection reset by peer")))
	assert.False(t, DefaultIsRetryable(nil))
}

func TestDelay_CapsAtMax(t *testing.T) {
	cfg := Config{Base: time.Second, Multiplier: 10, Max: 2 * time.Second, Jitter: false}
	d := Delay(cfg, 5)
	assert.Equal(t, 2*time.Second, d)
}

func TestDelay_JitterStaysWithinHalfToFullRange(t *testing.T) {
	cfg := Config{Base: time.Second, Multiplier: 1, Max: time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := Delay(cfg, 0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
