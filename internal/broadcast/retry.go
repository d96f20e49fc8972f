package broadcast

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/tullo/simulcast/internal/metrics"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
)

// RetryConfig bounds retries of start and stop calls. Only
// provider.UnavailableError is retried.
type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Delay <= 0 {
		c.Delay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.Delay {
		c.MaxDelay = 10 * c.Delay
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

// callAdapter runs fn under the retry policy and records metrics for it.
func callAdapter[R any](ctx context.Context, cfg RetryConfig, p models.ProviderType, op string, fn func(ctx context.Context) (R, error)) (R, error) {
	policy := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool { return provider.IsUnavailable(err) }).
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.Delay, cfg.MaxDelay).
		ReturnLastFailure().
		Build()

	return failsafe.With[R](policy).WithContext(ctx).Get(func() (R, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return observe(attemptCtx, p, op, fn)
	})
}

func observe[R any](ctx context.Context, p models.ProviderType, op string, fn func(ctx context.Context) (R, error)) (R, error) {
	start := time.Now()
	out, err := fn(ctx)
	metrics.AdapterCallDuration.WithLabelValues(string(p), op).Observe(time.Since(start).Seconds())

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.AdapterCallsTotal.WithLabelValues(string(p), op, result).Inc()
	return out, err
}
