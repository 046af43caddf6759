package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig bounds the retries of calls to external collaborators.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// NewBackoff returns an exponential backoff that stops after MaxAttempts
// attempts or when ctx is done.
func (c RetryConfig) NewBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialInterval
	eb.MaxInterval = c.MaxInterval
	eb.MaxElapsedTime = 0

	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retrier runs operations with bounded retries
type Retrier struct {
	config RetryConfig
	logger *zap.Logger

	// OnRetry is called before every retry of an operation.
	OnRetry func(operation string)
}

func NewRetrier(config RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Retrier{config: config, logger: logger}
}

// Do calls fn until it succeeds, returns an error wrapped with Permanent, or
// the attempts are exhausted.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return fn(ctx)
	}, r.config.NewBackoff(ctx), func(err error, next time.Duration) {
		r.logger.Debug("Retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
		if r.OnRetry != nil {
			r.OnRetry(operation)
		}
	})
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	return nil
}

// Permanent stops the retries of Do.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
