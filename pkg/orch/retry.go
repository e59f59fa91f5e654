package orch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"metabuilder/pkg/logx"
	"metabuilder/pkg/orcherrors"
)

// retryDelay computes the backoff for the given retry attempt (1-based).
func retryDelay(cfg orcherrors.RetryConfig, attempt int) time.Duration {
	if attempt <= 0 || cfg.InitialDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		jitter := time.Duration(rand.Int63n(int64(delay) / 5))
		delay = delay - delay/10 + jitter
	}
	return delay
}

// withRetry invokes fn, retrying infra-class failures with exponential
// backoff up to the error type's configured cap. Agent, validation, and
// circuit-open failures surface immediately; so does context cancellation.
func withRetry(ctx context.Context, logger *logx.Logger, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !orcherrors.Is(err, orcherrors.ErrorTypeInfra) {
			return err
		}

		cfg := orcherrors.DefaultRetryConfigs[orcherrors.ErrorTypeInfra]
		if attempt >= cfg.MaxRetries {
			logger.Warn("infra failure not resolved after %d retries: %v", cfg.MaxRetries, err)
			return err
		}

		delay := retryDelay(cfg, attempt+1)
		logger.Debug("retrying after infra failure (attempt %d, backoff %s): %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
