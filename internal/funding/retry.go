package funding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxAttempts caps fetch attempts per cache miss.
const MaxAttempts = 3

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
}

func (c RetryConfig) normalized() RetryConfig {
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.Attempts > MaxAttempts {
		c.Attempts = MaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// delay returns the backoff before attempt n+1, doubling from BaseDelay.
func (c RetryConfig) delay(n int) time.Duration {
	d := c.BaseDelay << uint(n)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

type temporary interface {
	Temporary() bool
}

func retryable(err error) bool {
	if errors.Is(err, ErrInvalidRate) || errors.Is(err, ErrInvalidSymbol) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// fetchWithRetry calls src with exponential backoff. Each attempt runs under
// its own timeout derived from ctx.
func fetchWithRetry(ctx context.Context, src Source, symbol string, cfg RetryConfig) (Rate, int, error) {
	cfg = cfg.normalized()
	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		rate, err := fetchOnce(ctx, src, symbol, cfg.Timeout)
		if err == nil {
			return rate, attempt + 1, nil
		}
		lastErr = err
		if !retryable(err) || attempt == cfg.Attempts-1 {
			return Rate{}, attempt + 1, err
		}
		select {
		case <-ctx.Done():
			return Rate{}, attempt + 1, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(cfg.delay(attempt)):
		}
	}
	return Rate{}, cfg.Attempts, lastErr
}

func fetchOnce(ctx context.Context, src Source, symbol string, timeout time.Duration) (Rate, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return src.Fetch(ctx, symbol)
}
