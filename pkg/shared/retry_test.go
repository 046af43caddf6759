package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	r := NewRetrier(fastConfig(4), nil)
	retries := 0
	r.OnRetry = func(string) { retries++ }

	calls := 0
	err := r.Do(context.Background(), "save", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetrierGivesUp(t *testing.T) {
	r := NewRetrier(fastConfig(3), nil)
	busy := errors.New("busy")
	calls := 0
	err := r.Do(context.Background(), "save", func(ctx context.Context) error {
		calls++
		return busy
	})
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "save failed after 3 attempts")
}

func TestRetrierStopsOnPermanent(t *testing.T) {
	r := NewRetrier(fastConfig(5), nil)
	fatal := errors.New("fatal")
	calls := 0
	err := r.Do(context.Background(), "save", func(ctx context.Context) error {
		calls++
		return Permanent(fatal)
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetrierHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrier(fastConfig(5), nil)
	calls := 0
	err := r.Do(ctx, "save", func(ctx context.Context) error {
		calls++
		return errors.New("busy")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
