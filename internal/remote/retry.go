package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig is the retry budget layered over any Store. Base delay is
// drawn uniformly from [BaseDelayMin, BaseDelayMax) with an additional
// uniform jitter in [0, Jitter) added on top, so concurrent workers
// retrying the same transient failure don't all wake up in lockstep.
type RetryConfig struct {
	Attempts     int
	BaseDelayMin time.Duration
	BaseDelayMax time.Duration
	Jitter       time.Duration
}

// DefaultRetryConfig is the policy the CLI layers over the store for both
// sync and restore: 3 attempts, 1000-2000ms base delay, up to 500ms jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		BaseDelayMin: time.Second,
		BaseDelayMax: 2 * time.Second,
		Jitter:       500 * time.Millisecond,
	}
}

// retryingStore wraps a Store so that transient put/get failures are
// retried according to cfg before being surfaced to the caller. Every
// failed attempt, the last one included, is reported through onRetry
// (typically wired to a logger); only the last one's error is returned.
type retryingStore struct {
	inner   Store
	cfg     RetryConfig
	onRetry func(op string, attempt int, err error)
}

// WithRetry layers cfg's retry policy over inner.
func WithRetry(inner Store, cfg RetryConfig, onRetry func(op string, attempt int, err error)) Store {
	return &retryingStore{inner: inner, cfg: cfg, onRetry: onRetry}
}

func (r *retryingStore) Put(ctx context.Context, blob []byte, tags map[string]string) (string, error) {
	return retryOp(r.cfg, func(attempt int, err error) {
		if r.onRetry != nil {
			r.onRetry("put", attempt, err)
		}
	}, func() (string, error) {
		return r.inner.Put(ctx, blob, tags)
	})
}

func (r *retryingStore) Get(ctx context.Context, url string) ([]byte, error) {
	return retryOp(r.cfg, func(attempt int, err error) {
		if r.onRetry != nil {
			r.onRetry("get", attempt, err)
		}
	}, func() ([]byte, error) {
		return r.inner.Get(ctx, url)
	})
}

func retryOp[T any](cfg RetryConfig, onRetry func(attempt int, err error), fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		onRetry(attempt, err)
		if attempt == cfg.Attempts {
			break
		}
		time.Sleep(retryDelay(cfg))
	}
	return zero, fmt.Errorf("remote: exhausted %d attempts: %w", cfg.Attempts, lastErr)
}

func retryDelay(cfg RetryConfig) time.Duration {
	span := cfg.BaseDelayMax - cfg.BaseDelayMin
	delay := cfg.BaseDelayMin
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
	}
	return delay
}
