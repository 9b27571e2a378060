package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for RetryManager (spec.md §4.9).
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration
	// Multiplier is the exponential backoff growth factor.
	Multiplier float64
	// RandomizationFactor adds jitter: actual = interval * (1 ± factor).
	RandomizationFactor float64
}

// DefaultRetryConfig returns the spec-mandated defaults: max_retries=3.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:          3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.3,
	}
}

// RetryManager executes a fallible operation with bounded exponential
// backoff, classifying each failure so non-retryable errors (syntax,
// alarm) propagate immediately instead of being retried (spec.md §4.9,
// §4.10).
type RetryManager struct {
	config    *RetryConfig
	component string
}

// NewRetryManager creates a RetryManager labeling classified errors with
// component for logging and metrics.
func NewRetryManager(config *RetryConfig, component string) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryManager{config: config, component: component}
}

// Do runs fn, retrying on classified-retryable errors up to MaxRetries
// additional attempts with exponential backoff and jitter. A
// non-retryable classification (e.g. AlarmKind) or context cancellation
// stops retrying immediately.
func (rm *RetryManager) Do(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rm.config.InitialInterval
	b.MaxInterval = rm.config.MaxInterval
	b.Multiplier = rm.config.Multiplier
	b.RandomizationFactor = rm.config.RandomizationFactor
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall-clock

	bounded := backoff.WithMaxRetries(b, uint64(rm.config.MaxRetries))
	withCtx := backoff.WithContext(bounded, ctx)

	var lastErr error
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		classified := ClassifyError(err, rm.component)
		if classified != nil && !classified.IsRetryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
