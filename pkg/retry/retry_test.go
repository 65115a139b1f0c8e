package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	sentinel := errors.New("always failing")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestDoNonRetryableFailsImmediately(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return NonRetryable(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsNonRetryable(err))
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			calls++
			return errors.New("keep failing")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe context cancellation")
	}
}

func TestDoValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative initial delay", Config{InitialDelay: -1}},
		{"negative max delay", Config{MaxDelay: -1}},
		{"negative multiplier", Config{Multiplier: -1}},
		{"max below initial", Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Do(context.Background(), test.cfg, func() error { return nil })
			assert.Error(t, err)
		})
	}
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestPresetConfigs(t *testing.T) {
	quick := Quick()
	assert.Equal(t, 10, quick.MaxAttempts)
	assert.True(t, quick.AddJitter)

	persistent := Persistent()
	assert.Equal(t, 30, persistent.MaxAttempts)
	assert.Greater(t, persistent.MaxDelay, quick.MaxDelay)
}
